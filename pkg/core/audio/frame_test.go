package audio

import (
	"errors"
	"testing"
	"time"
)

func TestProfileBytesPerFrame(t *testing.T) {
	tests := []struct {
		name    string
		profile Profile
		want    int
	}{
		{"ulaw 8k 20ms", Profile{Encoding: EncodingULaw, SampleRate: 8000}, 160},
		{"alaw 8k 20ms", Profile{Encoding: EncodingALaw, SampleRate: 8000}, 160},
		{"slin16 8k 20ms", Profile{Encoding: EncodingSLIN16, SampleRate: 8000}, 320},
		{"slin16 16k 20ms", Profile{Encoding: EncodingSLIN16, SampleRate: 16000}, 640},
		{"slin16 24k 10ms", Profile{Encoding: EncodingSLIN16, SampleRate: 24000, FrameDur: 10 * time.Millisecond}, 480},
	}

	for _, tt := range tests {
		if got := tt.profile.BytesPerFrame(); got != tt.want {
			t.Errorf("%s: BytesPerFrame() = %d, want %d", tt.name, got, tt.want)
		}
	}
}

func TestProfileValidate(t *testing.T) {
	p := Profile{Encoding: EncodingULaw, SampleRate: 8000}

	good := p.NewFrame(make([]byte, 160))
	if err := p.Validate(good); err != nil {
		t.Fatalf("Validate(matching frame) = %v, want nil", err)
	}

	bad := Frame{Data: make([]byte, 320), Encoding: EncodingSLIN16, SampleRate: 8000}
	err := p.Validate(bad)
	if err == nil {
		t.Fatal("Validate(wrong encoding) = nil, want error")
	}
	var mismatch *ErrProfileMismatch
	if !errors.As(err, &mismatch) {
		t.Fatalf("Validate error type = %T, want *ErrProfileMismatch", err)
	}
	if mismatch.Want.Encoding != EncodingULaw || mismatch.Got.Encoding != EncodingSLIN16 {
		t.Errorf("mismatch detail = %v", mismatch)
	}

	wrongRate := Frame{Data: make([]byte, 160), Encoding: EncodingULaw, SampleRate: 16000}
	if err := p.Validate(wrongRate); err == nil {
		t.Error("Validate(wrong sample rate) = nil, want error")
	}
}

func TestFrameDuration(t *testing.T) {
	f := Frame{Data: make([]byte, 160), Encoding: EncodingULaw, SampleRate: 8000}
	if got := f.Duration(); got != 20*time.Millisecond {
		t.Errorf("Duration() = %v, want 20ms", got)
	}

	f = Frame{Data: make([]byte, 640), Encoding: EncodingSLIN16, SampleRate: 16000}
	if got := f.Duration(); got != 20*time.Millisecond {
		t.Errorf("Duration() = %v, want 20ms", got)
	}
}

func TestSilenceFrame(t *testing.T) {
	tests := []struct {
		enc  Encoding
		byte byte
	}{
		{EncodingULaw, 0xff},
		{EncodingALaw, 0xd5},
		{EncodingSLIN16, 0x00},
	}
	for _, tt := range tests {
		p := Profile{Encoding: tt.enc, SampleRate: 8000}
		f := p.SilenceFrame()
		if len(f.Data) != p.BytesPerFrame() {
			t.Errorf("%s: silence frame %d bytes, want %d", tt.enc, len(f.Data), p.BytesPerFrame())
		}
		for _, b := range f.Data {
			if b != tt.byte {
				t.Errorf("%s: silence byte = %#x, want %#x", tt.enc, b, tt.byte)
				break
			}
		}
	}
}
