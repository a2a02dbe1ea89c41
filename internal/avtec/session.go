package avtec

import (
	"strconv"
	"strings"
	"time"
)

// session tracks one active call streamed to the console. The RTP SSRC and
// the control-channel session id are always the same value so the console
// can correlate the two streams.
type session struct {
	id          string
	ssrc        uint32
	talkgroupID int
	alphaTag    string
	startTime   int64
	emergency   bool

	rtpSeq       uint16
	rtpTimestamp uint32
	firstSent    bool

	createdAt time.Time
	lastAudio time.Time
}

// deriveSSRC builds the deterministic session id: high half from the
// talkgroup, low half from the call start time.
func deriveSSRC(talkgroupID int, startTime int64) uint32 {
	return uint32(talkgroupID&0xFFFF)<<16 | uint32(startTime&0xFFFF)
}

// parseCallIDTalkgroup extracts a talkgroup id from call ids shaped like
// "{tgid}-..." or "{prefix}-{tgid}-...". Returns 0 when neither pattern
// matches.
func parseCallIDTalkgroup(callID string) int {
	parts := strings.Split(callID, "-")
	if len(parts) == 0 {
		return 0
	}
	if tgid, err := strconv.Atoi(parts[0]); err == nil && tgid > 0 {
		return tgid
	}
	if len(parts) >= 2 {
		if tgid, err := strconv.Atoi(parts[1]); err == nil && tgid > 0 {
			return tgid
		}
	}
	return 0
}
