package audio

import (
	"bytes"
	"testing"
)

func TestRingBuffer_Write(t *testing.T) {
	rb := NewRingBuffer(10)

	if dropped := rb.Write([]byte{1, 2, 3, 4, 5}); dropped != 0 {
		t.Errorf("Expected no bytes dropped, got %d", dropped)
	}
	if rb.Len() != 5 {
		t.Errorf("Expected length 5, got %d", rb.Len())
	}

	rb.Write([]byte{6, 7, 8})
	if rb.Len() != 8 {
		t.Errorf("Expected length 8, got %d", rb.Len())
	}
}

func TestRingBuffer_OverwritesOldest(t *testing.T) {
	rb := NewRingBuffer(5)

	rb.Write([]byte{1, 2, 3, 4, 5})
	dropped := rb.Write([]byte{6, 7})
	if dropped != 2 {
		t.Errorf("Expected 2 bytes overwritten, got %d", dropped)
	}

	got := rb.Drain()
	if !bytes.Equal(got, []byte{3, 4, 5, 6, 7}) {
		t.Errorf("Expected newest bytes to survive, got %v", got)
	}
	if rb.Dropped() != 2 {
		t.Errorf("Expected 2 dropped in total, got %d", rb.Dropped())
	}
}

func TestRingBuffer_OversizedWrite(t *testing.T) {
	rb := NewRingBuffer(4)

	dropped := rb.Write([]byte{1, 2, 3, 4, 5, 6, 7})
	if dropped != 3 {
		t.Errorf("Expected 3 bytes dropped, got %d", dropped)
	}
	if got := rb.Drain(); !bytes.Equal(got, []byte{4, 5, 6, 7}) {
		t.Errorf("Expected tail of the write, got %v", got)
	}
}

func TestRingBuffer_DrainEmpties(t *testing.T) {
	rb := NewRingBuffer(10)

	if got := rb.Drain(); len(got) != 0 {
		t.Errorf("Expected empty drain, got %v", got)
	}

	rb.Write([]byte{1, 2, 3})
	if got := rb.Drain(); !bytes.Equal(got, []byte{1, 2, 3}) {
		t.Errorf("Expected [1 2 3], got %v", got)
	}
	if rb.Len() != 0 {
		t.Errorf("Expected empty buffer after drain, got %d", rb.Len())
	}
}

func TestRingBuffer_WrapAround(t *testing.T) {
	rb := NewRingBuffer(5)

	rb.Write([]byte{1, 2, 3})
	rb.Drain()
	rb.Write([]byte{4, 5, 6, 7})

	if got := rb.Drain(); !bytes.Equal(got, []byte{4, 5, 6, 7}) {
		t.Errorf("Expected [4 5 6 7], got %v", got)
	}
}

func TestRingBuffer_Clear(t *testing.T) {
	rb := NewRingBuffer(10)
	rb.Write([]byte{1, 2, 3, 4, 5})

	rb.Clear()
	if rb.Len() != 0 {
		t.Errorf("Expected length 0 after clear, got %d", rb.Len())
	}
	if rb.Cap() != 10 {
		t.Errorf("Expected capacity 10 after clear, got %d", rb.Cap())
	}
}
