package browser

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"net/http/httptest"
	"os/exec"
	"testing"
	"time"

	cdpbrowser "github.com/chromedp/cdproto/browser"

	"github.com/meetcap/meetcap/internal/capture"
	"github.com/meetcap/meetcap/internal/media"
)

func TestBoundsToRegion(t *testing.T) {
	tests := []struct {
		name    string
		bounds  *cdpbrowser.Bounds
		want    media.Region
		wantErr bool
	}{
		{"nil", nil, media.Region{}, true},
		{"normal", &cdpbrowser.Bounds{Left: 10, Top: 20, Width: 1280, Height: 800, WindowState: cdpbrowser.WindowStateNormal}, media.Region{X: 10, Y: 20, Width: 1280, Height: 800}, false},
		{"minimized", &cdpbrowser.Bounds{Width: 1280, Height: 800, WindowState: cdpbrowser.WindowStateMinimized}, media.Region{}, true},
		{"zero area", &cdpbrowser.Bounds{Left: 5, WindowState: cdpbrowser.WindowStateNormal}, media.Region{}, true},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, err := boundsToRegion(tt.bounds)
			if tt.wantErr {
				if !errors.Is(err, capture.ErrRegionUnavailable) {
					t.Fatalf("err = %v, want ErrRegionUnavailable", err)
				}
				return
			}
			if err != nil || got != tt.want {
				t.Fatalf("got %v, %v; want %v", got, err, tt.want)
			}
		})
	}
}

func TestJoinRejectsBadURL(t *testing.T) {
	s := New(Config{})
	defer s.Close()
	for _, u := range []string{"", "zoom.us/j/1", "file:///etc/passwd", "https://"} {
		if err := s.Join(context.Background(), u); !errors.Is(err, ErrInvalidURL) {
			t.Fatalf("Join(%q) = %v, want ErrInvalidURL", u, err)
		}
	}
}

func TestParticipantCountNeedsScript(t *testing.T) {
	s := New(Config{})
	defer s.Close()
	if _, err := s.ParticipantCount(context.Background()); !errors.Is(err, ErrNoParticipantScript) {
		t.Fatalf("err = %v, want ErrNoParticipantScript", err)
	}
}

func TestClosedSessionRefusesWork(t *testing.T) {
	s := New(Config{ParticipantScript: "1"})
	s.Close()
	s.Close()
	if _, err := s.ParticipantCount(context.Background()); !errors.Is(err, ErrClosed) {
		t.Fatalf("err = %v, want ErrClosed", err)
	}
}

func findChrome(t *testing.T) string {
	t.Helper()
	for _, name := range []string{"google-chrome", "google-chrome-stable", "chromium", "chromium-browser"} {
		if p, err := exec.LookPath(name); err == nil {
			return p
		}
	}
	t.Skip("chrome not on PATH")
	return ""
}

func TestJoinAndCountAgainstPage(t *testing.T) {
	chrome := findChrome(t)

	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		fmt.Fprint(w, `<html><body>
<ul id="people"><li>a</li><li>b</li><li>c</li></ul>
<script>setTimeout(function(){ document.body.dataset.joined = "yes"; }, 200);</script>
</body></html>`)
	}))
	defer srv.Close()

	s := New(Config{
		ExecPath:          chrome,
		Headless:          true,
		JoinTimeout:       20 * time.Second,
		JoinScript:        `document.body.dataset.joined === "yes"`,
		ParticipantScript: `document.querySelectorAll("#people li").length`,
	})
	defer s.Close()

	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()
	if err := s.Join(ctx, srv.URL); err != nil {
		t.Fatalf("Join: %v", err)
	}
	n, err := s.ParticipantCount(ctx)
	if err != nil {
		t.Fatalf("ParticipantCount: %v", err)
	}
	if n != 3 {
		t.Fatalf("count = %d, want 3", n)
	}
}
