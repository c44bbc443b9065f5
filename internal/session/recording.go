package session

import (
	"fmt"
	"path/filepath"
	"time"

	"github.com/meetcap/meetcap/internal/finalize"
)

// RecordingSession identifies one capture run and where its files go.
type RecordingSession struct {
	ID        string
	Meeting   string
	CreatedAt time.Time
	Paths     finalize.Paths
	Manifest  string
}

// newRecordingSession derives every file name from the creation timestamp.
func newRecordingSession(id, outputDir, meetingURL string, now time.Time) RecordingSession {
	stamp := now.Unix()
	return RecordingSession{
		ID:        id,
		Meeting:   meetingURL,
		CreatedAt: now,
		Paths: finalize.Paths{
			Audio: filepath.Join(outputDir, fmt.Sprintf("meeting_%d.wav", stamp)),
			Video: filepath.Join(outputDir, fmt.Sprintf("meeting_%d.avi", stamp)),
			Final: filepath.Join(outputDir, fmt.Sprintf("meeting_final_%d.mp4", stamp)),
		},
		Manifest: filepath.Join(outputDir, fmt.Sprintf("meeting_%d.yaml", stamp)),
	}
}
