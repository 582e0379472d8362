package odometer

import (
	"context"
	"errors"
	"testing"
)

func TestNumbers(t *testing.T) {
	got := Numbers("ODO 012,345 km TRIP 45.6")
	want := []int64{12345, 45, 6}
	if len(got) != len(want) {
		t.Fatalf("unexpected numbers: %v", got)
	}
	for i := range want {
		if got[i] != want[i] {
			t.Fatalf("unexpected numbers: %v", got)
		}
	}
	if len(Numbers("no digits here")) != 0 {
		t.Fatalf("expected no numbers")
	}
}

func TestPlausible(t *testing.T) {
	tests := []struct {
		name string
		in   []int64
		want float64
		err  error
	}{
		{"prefers range", []int64{12, 5000, 1200000}, 5000, nil},
		{"first in range wins", []int64{999999, 1000}, 999999, nil},
		{"largest fallback", []int64{12, 480, 7}, 480, nil},
		{"largest above range", []int64{3, 1200000}, 1200000, nil},
		{"none", nil, 0, ErrNoReading},
		{"only zero", []int64{0, 0}, 0, ErrNoReading},
	}
	for _, tt := range tests {
		got, err := Plausible(tt.in)
		if !errors.Is(err, tt.err) {
			t.Fatalf("%s: expected err %v, got %v", tt.name, tt.err, err)
		}
		if got != tt.want {
			t.Fatalf("%s: expected %v, got %v", tt.name, tt.want, got)
		}
	}
}

type fakeOCR struct {
	text string
	err  error
}

func (f fakeOCR) ExtractText(context.Context, string) (string, error) {
	return f.text, f.err
}

func TestReaderRead(t *testing.T) {
	v, err := NewReader(fakeOCR{text: "TOTAL 5012 km"}).Read(context.Background(), "img")
	if err != nil || v != 5012 {
		t.Fatalf("expected 5012, got %v %v", v, err)
	}
}

func TestReaderNoDigits(t *testing.T) {
	_, err := NewReader(fakeOCR{text: "ODO -- km"}).Read(context.Background(), "img")
	if !errors.Is(err, ErrNoReading) {
		t.Fatalf("expected no reading, got %v", err)
	}
}

func TestReaderOCRFailure(t *testing.T) {
	_, err := NewReader(fakeOCR{err: errors.New("timeout")}).Read(context.Background(), "img")
	if !errors.Is(err, ErrOCR) {
		t.Fatalf("expected ocr error, got %v", err)
	}
	_, err = NewReader(nil).Read(context.Background(), "img")
	if !errors.Is(err, ErrOCR) {
		t.Fatalf("expected ocr error without service, got %v", err)
	}
}
