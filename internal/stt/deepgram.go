package stt

import (
	"context"
	"errors"
	"fmt"

	websocketv1api "github.com/deepgram/deepgram-go-sdk/v3/pkg/api/listen/v1/websocket"
	msginterfaces "github.com/deepgram/deepgram-go-sdk/v3/pkg/api/listen/v1/websocket/interfaces"
	interfaces "github.com/deepgram/deepgram-go-sdk/v3/pkg/client/interfaces"
	listenClient "github.com/deepgram/deepgram-go-sdk/v3/pkg/client/listen"
	"github.com/rs/zerolog"

	"github.com/MangoMatcha08/tempo-app-sub000/internal/audio"
	"github.com/MangoMatcha08/tempo-app-sub000/internal/resilience"
)

// ErrConnectFailed is returned when the Deepgram WebSocket could not be opened
var ErrConnectFailed = errors.New("failed to connect to Deepgram")

// messageCallbackHandler implements the LiveMessageCallback interface.
// It embeds the default handler and overrides only the methods we need.
type messageCallbackHandler struct {
	*websocketv1api.DefaultCallbackHandler
	cb     Callbacks
	logger zerolog.Logger
}

// Message forwards transcription results
func (m *messageCallbackHandler) Message(msg *msginterfaces.MessageResponse) error {
	if msg == nil || len(msg.Channel.Alternatives) == 0 {
		return nil
	}

	// Get the best alternative (first one)
	alt := msg.Channel.Alternatives[0]
	if m.cb.OnTranscript != nil {
		m.cb.OnTranscript(Transcript{
			Text:       alt.Transcript,
			IsFinal:    msg.IsFinal,
			Confidence: alt.Confidence,
		})
	}
	return nil
}

func (m *messageCallbackHandler) SpeechStarted(*msginterfaces.SpeechStartedResponse) error {
	m.logger.Debug().Msg("Deepgram: Speech started")
	return nil
}

func (m *messageCallbackHandler) UtteranceEnd(*msginterfaces.UtteranceEndResponse) error {
	m.logger.Debug().Msg("Deepgram: Utterance ended")
	if m.cb.OnUtteranceEnd != nil {
		m.cb.OnUtteranceEnd()
	}
	return nil
}

func (m *messageCallbackHandler) Close(*msginterfaces.CloseResponse) error {
	if m.cb.OnClose != nil {
		m.cb.OnClose()
	}
	return nil
}

func (m *messageCallbackHandler) Error(errorResponse *msginterfaces.ErrorResponse) error {
	m.logger.Error().Interface("response", errorResponse).Msg("Deepgram error")
	if m.cb.OnError != nil {
		m.cb.OnError(fmt.Errorf("deepgram error: %+v", errorResponse))
	}
	return nil
}

// DeepgramDialer opens Deepgram live transcription connections
type DeepgramDialer struct {
	apiKey string
	model  string
	logger zerolog.Logger
}

// NewDeepgramDialer creates a dialer for the given API key and model
func NewDeepgramDialer(apiKey, model string, logger zerolog.Logger) *DeepgramDialer {
	return &DeepgramDialer{
		apiKey: apiKey,
		model:  model,
		logger: logger.With().Str("component", "deepgram").Logger(),
	}
}

// Dial opens a connection configured for 16 kHz linear16 audio
func (d *DeepgramDialer) Dial(ctx context.Context, opts DialOptions, cb Callbacks) (Conn, error) {
	tOptions := &interfaces.LiveTranscriptionOptions{
		Model:          d.model,
		Language:       opts.Language,
		Punctuate:      true,
		InterimResults: true,
		UtteranceEndMs: "1000",
		VadEvents:      true,
		Encoding:       "linear16",
		Channels:       1,
		SampleRate:     audio.TargetSampleRate,
	}

	callback := &messageCallbackHandler{
		DefaultCallbackHandler: websocketv1api.NewDefaultCallbackHandler(),
		cb:                     cb,
		logger:                 d.logger,
	}

	client, err := listenClient.NewWSUsingCallback(
		ctx,
		d.apiKey,
		&interfaces.ClientOptions{EnableKeepAlive: true},
		tOptions,
		callback,
	)
	if err != nil {
		return nil, fmt.Errorf("failed to create Deepgram client: %w", err)
	}

	if err := connect(client); err != nil {
		return nil, err
	}

	d.logger.Info().
		Str("model", d.model).
		Str("language", opts.Language).
		Msg("Deepgram streaming connection opened")
	return client, nil
}

type connector interface {
	Connect() bool
	Stop()
}

// connect opens the client's socket. A client that fails to connect is
// stopped so its keep-alive and reader goroutines exit.
func connect(client connector) error {
	if client.Connect() {
		return nil
	}
	client.Stop()
	return resilience.NewRetryableError(ErrConnectFailed)
}
