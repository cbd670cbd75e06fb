/*
 * Copyright 2025 Carver Automation Corporation.
 *
 * Licensed under the Apache License, Version 2.0 (the "License");
 * you may not use this file except in compliance with the License.
 * You may obtain a copy of the License at
 *
 *     http://www.apache.org/licenses/LICENSE-2.0
 *
 * Unless required by applicable law or agreed to in writing, software
 * distributed under the License is distributed on an "AS IS" BASIS,
 * WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
 * See the License for the specific language governing permissions and
 * limitations under the License.
 */

package identify

// Frame layout on the wire: [0x94][0xC3][lenHi][lenLo][payload]. The length
// is the big-endian byte count of the payload. The same framing carries the
// bridged traffic; this package only decodes it for the identification
// handshake.

const (
	frameStart1 = 0x94
	frameStart2 = 0xC3

	frameHeaderLen = 4

	// maxPayloadLen matches the radio firmware's serial packet cap. A
	// larger length field means we are looking at noise, not a header.
	maxPayloadLen = 512
)

// EncodeFrame wraps a payload in the serial framing.
func EncodeFrame(payload []byte) []byte {
	frame := make([]byte, frameHeaderLen+len(payload))
	frame[0] = frameStart1
	frame[1] = frameStart2
	frame[2] = byte(len(payload) >> 8)
	frame[3] = byte(len(payload))
	copy(frame[frameHeaderLen:], payload)

	return frame
}

// FrameDecoder incrementally reassembles frames from a byte stream. The
// marker, length, and payload may arrive split across any number of reads.
type FrameDecoder struct {
	buf []byte
}

// Feed appends raw bytes and returns the payloads of every frame completed
// by them, in stream order. Bytes preceding a marker pair and headers whose
// length field exceeds the payload cap are discarded as line noise.
func (d *FrameDecoder) Feed(p []byte) [][]byte {
	d.buf = append(d.buf, p...)

	var payloads [][]byte

	for {
		start := d.findMarker()
		if start < 0 {
			// Keep a trailing 0x94 in case its 0xC3 is still in flight.
			if n := len(d.buf); n > 0 && d.buf[n-1] == frameStart1 {
				d.buf = d.buf[n-1:]
			} else {
				d.buf = nil
			}

			return payloads
		}

		d.buf = d.buf[start:]

		if len(d.buf) < frameHeaderLen {
			return payloads
		}

		length := int(d.buf[2])<<8 | int(d.buf[3])
		if length > maxPayloadLen {
			// Not a real header; resync past the first marker byte.
			d.buf = d.buf[1:]
			continue
		}

		if len(d.buf) < frameHeaderLen+length {
			return payloads
		}

		payload := make([]byte, length)
		copy(payload, d.buf[frameHeaderLen:frameHeaderLen+length])
		payloads = append(payloads, payload)

		d.buf = d.buf[frameHeaderLen+length:]
	}
}

// findMarker returns the index of the first 0x94 0xC3 pair, or -1.
func (d *FrameDecoder) findMarker() int {
	for i := 0; i+1 < len(d.buf); i++ {
		if d.buf[i] == frameStart1 && d.buf[i+1] == frameStart2 {
			return i
		}
	}

	return -1
}
