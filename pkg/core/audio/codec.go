package audio

import (
	"fmt"

	"github.com/zaf/g711"
)

// ToLinear converts a frame to 16-bit linear PCM at its own sample rate.
// Linear frames are returned unchanged.
func ToLinear(f Frame) (Frame, error) {
	switch f.Encoding {
	case EncodingSLIN16:
		return f, nil
	case EncodingULaw:
		return Frame{Data: g711.DecodeUlaw(f.Data), Encoding: EncodingSLIN16, SampleRate: f.SampleRate}, nil
	case EncodingALaw:
		return Frame{Data: g711.DecodeAlaw(f.Data), Encoding: EncodingSLIN16, SampleRate: f.SampleRate}, nil
	}
	return Frame{}, fmt.Errorf("to linear: unsupported encoding %q", f.Encoding)
}

// FromLinear companded-encodes a linear PCM frame into the target encoding.
func FromLinear(f Frame, target Encoding) (Frame, error) {
	if f.Encoding != EncodingSLIN16 {
		return Frame{}, fmt.Errorf("from linear: source is %q, not %q", f.Encoding, EncodingSLIN16)
	}
	switch target {
	case EncodingSLIN16:
		return f, nil
	case EncodingULaw:
		return Frame{Data: g711.EncodeUlaw(f.Data), Encoding: EncodingULaw, SampleRate: f.SampleRate}, nil
	case EncodingALaw:
		return Frame{Data: g711.EncodeAlaw(f.Data), Encoding: EncodingALaw, SampleRate: f.SampleRate}, nil
	}
	return Frame{}, fmt.Errorf("from linear: unsupported encoding %q", target)
}

// Resample converts mono 16-bit linear PCM between sample rates by
// nearest-sample selection. Quality is adequate for the 8k/16k/24k telephony
// conversions done at the provider boundary; transports never resample.
func Resample(pcm []byte, fromRate, toRate int) []byte {
	if fromRate == toRate || fromRate <= 0 || toRate <= 0 {
		return pcm
	}
	inSamples := len(pcm) / 2
	outSamples := inSamples * toRate / fromRate
	out := make([]byte, outSamples*2)
	for i := 0; i < outSamples; i++ {
		src := i * fromRate / toRate
		if src >= inSamples {
			src = inSamples - 1
		}
		out[i*2] = pcm[src*2]
		out[i*2+1] = pcm[src*2+1]
	}
	return out
}

// Convert transcodes a frame into the target profile's encoding and sample
// rate. It is the single conversion point used at the provider adapter
// boundary; calling it with matching parameters returns the frame unchanged.
func Convert(f Frame, target Profile) (Frame, error) {
	if f.Encoding == target.Encoding && f.SampleRate == target.SampleRate {
		return f, nil
	}
	lin, err := ToLinear(f)
	if err != nil {
		return Frame{}, err
	}
	if lin.SampleRate != target.SampleRate {
		lin = Frame{
			Data:       Resample(lin.Data, lin.SampleRate, target.SampleRate),
			Encoding:   EncodingSLIN16,
			SampleRate: target.SampleRate,
		}
	}
	return FromLinear(lin, target.Encoding)
}
