package protocol

import "strings"

// MediaKind classifies a decoded media payload.
type MediaKind string

const (
	MediaImage     MediaKind = "image"
	MediaAnimation MediaKind = "animation"
	MediaVideo     MediaKind = "video"
)

// KindForFormat maps a format label to its media kind.
func KindForFormat(formatLabel string) MediaKind {
	switch formatLabel {
	case "gif":
		return MediaAnimation
	case "mp4", "webm", "mov":
		return MediaVideo
	default:
		return MediaImage
	}
}

// KindForOutputFile classifies a history output file by extension and the
// worker's declared format, starting from a default kind.
func KindForOutputFile(filename, format string, fallback MediaKind) MediaKind {
	ext := filename[strings.LastIndex(filename, ".")+1:]
	switch {
	case ext == "gif":
		return MediaAnimation
	case ext == "mp4" || ext == "mov" || ext == "webm" || strings.HasPrefix(format, "video/"):
		return MediaVideo
	}
	return fallback
}

// Worker graphs put real save-output nodes at normal ids. Low node ids are
// reserved for internal plumbing (except the primary save node), and the
// 50000+ range is used for injected intermediate steps. Media streamed from
// those nodes is not the job's final output.
//
// This is a documented heuristic over bare numeric ids, not a protocol
// guarantee.
const (
	primarySaveNodeID      = 9
	reservedNodeIDCeiling  = 100
	intermediateNodeIDBase = 50000
)

// IsIntermediateNode reports whether media originating from the given node id
// should be treated as an intermediate result rather than real output.
// Non-numeric ids are never intermediate.
func IsIntermediateNode(nodeID string) bool {
	n := 0
	for _, c := range nodeID {
		if c < '0' || c > '9' {
			return false
		}
		n = n*10 + int(c-'0')
	}
	if nodeID == "" {
		return false
	}
	if n < reservedNodeIDCeiling && n != primarySaveNodeID {
		return true
	}
	return n >= intermediateNodeIDBase
}
