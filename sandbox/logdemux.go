package sandbox

import "encoding/binary"

// Stream types in the runtime's multiplexed log framing.
const (
	streamStdin  = 0
	streamStdout = 1
	streamStderr = 2
)

// demuxLogs splits a multiplexed container log buffer into stdout and
// stderr. Each frame is an 8-byte header [streamType(1), reserved(3),
// size(4 big-endian)] followed by size payload bytes. Parsing stops
// gracefully at the first truncated frame; whatever was decoded before it
// is returned.
//
// stdcopy.StdCopy covers the same format but fails the whole read on a
// short frame, which would discard output from killed containers.
func demuxLogs(data []byte) (stdout, stderr []byte) {
	for len(data) >= 8 {
		streamType := data[0]
		size := binary.BigEndian.Uint32(data[4:8])
		if uint32(len(data)-8) < size {
			break // truncated frame
		}
		payload := data[8 : 8+size]
		switch streamType {
		case streamStdout:
			stdout = append(stdout, payload...)
		case streamStderr:
			stderr = append(stderr, payload...)
		}
		data = data[8+size:]
	}
	return stdout, stderr
}
