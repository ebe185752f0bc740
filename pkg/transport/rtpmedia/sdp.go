package rtpmedia

import (
	"fmt"
	"strconv"
	"time"

	"github.com/pion/sdp/v3"

	"github.com/voxgate-io/voxgate/pkg/core/audio"
)

// NegotiateOffer parses an SDP offer and selects the audio encoding for the
// call. PCMU wins when both G.711 variants are offered.
func NegotiateOffer(offer []byte) (audio.Encoding, error) {
	var sd sdp.SessionDescription
	if err := sd.Unmarshal(offer); err != nil {
		return "", fmt.Errorf("parse sdp offer: %w", err)
	}

	var hasPCMU, hasPCMA bool
	for _, media := range sd.MediaDescriptions {
		if media.MediaName.Media != "audio" {
			continue
		}
		for _, format := range media.MediaName.Formats {
			switch format {
			case strconv.Itoa(int(PayloadTypePCMU)):
				hasPCMU = true
			case strconv.Itoa(int(PayloadTypePCMA)):
				hasPCMA = true
			}
		}
	}

	switch {
	case hasPCMU:
		return audio.EncodingULaw, nil
	case hasPCMA:
		return audio.EncodingALaw, nil
	default:
		return "", fmt.Errorf("sdp offer carries no G.711 audio format")
	}
}

// BuildAnswer produces the SDP answer advertising one bound media port and
// the selected encoding.
func BuildAnswer(host string, port int, enc audio.Encoding) ([]byte, error) {
	pt, err := PayloadType(enc)
	if err != nil {
		return nil, err
	}
	codec := "PCMU"
	if enc == audio.EncodingALaw {
		codec = "PCMA"
	}
	format := strconv.Itoa(int(pt))

	sd := sdp.SessionDescription{
		Version: 0,
		Origin: sdp.Origin{
			Username:       "-",
			SessionID:      uint64(time.Now().Unix()),
			SessionVersion: uint64(time.Now().Unix()),
			NetworkType:    "IN",
			AddressType:    "IP4",
			UnicastAddress: host,
		},
		SessionName: "voxgate media",
		ConnectionInformation: &sdp.ConnectionInformation{
			NetworkType: "IN",
			AddressType: "IP4",
			Address:     &sdp.Address{Address: host},
		},
		TimeDescriptions: []sdp.TimeDescription{{}},
		MediaDescriptions: []*sdp.MediaDescription{
			{
				MediaName: sdp.MediaName{
					Media:   "audio",
					Port:    sdp.RangedPort{Value: port},
					Protos:  []string{"RTP", "AVP"},
					Formats: []string{format},
				},
				Attributes: []sdp.Attribute{
					{Key: "rtpmap", Value: fmt.Sprintf("%s %s/8000", format, codec)},
					{Key: "sendrecv"},
				},
			},
		},
	}

	raw, err := sd.Marshal()
	if err != nil {
		return nil, fmt.Errorf("marshal sdp answer: %w", err)
	}
	return raw, nil
}
