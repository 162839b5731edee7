package player

import (
	"bytes"
	"context"
	"net/http"
	"net/http/httptest"
	"sync"
	"testing"
	"time"

	"rangefeed/internal/feeder"
	"rangefeed/internal/platform/logger"
	"rangefeed/internal/rangefetch"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type syncBuffer struct {
	mu  sync.Mutex
	buf bytes.Buffer
}

func (b *syncBuffer) Write(p []byte) (int, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.buf.Write(p)
}

func (b *syncBuffer) Bytes() []byte {
	b.mu.Lock()
	defer b.mu.Unlock()
	return append([]byte(nil), b.buf.Bytes()...)
}

func TestFeedLoop_plays_origin_file_to_completion(t *testing.T) {
	content := make([]byte, 300*1024+17)
	for i := range content {
		content[i] = byte(i * 7)
	}
	var mu sync.Mutex
	var ranges []string
	origin := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		mu.Lock()
		ranges = append(ranges, r.Header.Get("Range"))
		mu.Unlock()
		http.ServeContent(w, r, "demo_dashinit.mp4", time.Time{}, bytes.NewReader(content))
	}))
	defer origin.Close()

	out := &syncBuffer{}
	p := New(Config{
		BytesPerSecond: 100 * 1024,
		PrimeBytes:     32 * 1024,
		TickInterval:   5 * time.Millisecond,
		PlaybackRate:   20,
		Output:         out,
	}, logger.Discard())
	defer p.Close()

	fetcher := rangefetch.New(rangefetch.Options{Timeout: 2 * time.Second, RateLimit: 1000, RateLimitBurst: 100}).Resource(origin.URL)
	loop, err := feeder.NewLoop(feeder.Config{
		URL:          origin.URL,
		SegmentSize:  64 * 1024,
		CacheSeconds: 0.5,
	}, p, fetcher, logger.Discard())
	require.NoError(t, err)

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	go p.Run(ctx)

	require.NoError(t, loop.Run(ctx))

	assert.Equal(t, content, out.Bytes(), "appended bytes must reproduce the file exactly")
	st := loop.Status()
	assert.Equal(t, feeder.PhaseDrained, st.Phase)
	assert.Equal(t, 5, st.Fetches)
	assert.True(t, p.State().Ended)

	mu.Lock()
	defer mu.Unlock()
	assert.Equal(t, "", ranges[0], "length request first, without Range")
	assert.Equal(t, "bytes=0-65535", ranges[1])
	assert.Equal(t, "bytes=262144-307216", ranges[len(ranges)-1])
}
