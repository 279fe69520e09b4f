package main

import (
	"bytes"
	"image"
	"image/color"
	"image/png"
	"net/http/httptest"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"testing"

	"github.com/gorilla/websocket"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"eclock/internal/epd"
	"eclock/internal/ingest"
	"eclock/internal/link"
)

func TestBuildPayloadClock(t *testing.T) {
	p, err := buildPayload([]string{"clock"}, epd.EPD2in13V3, 0)
	require.NoError(t, err)
	assert.Equal(t, []byte("CMD:CLOCK"), p)

	_, err = buildPayload(nil, epd.EPD2in13V3, 0)
	assert.Error(t, err)
	_, err = buildPayload([]string{"radio"}, epd.EPD2in13V3, 0)
	assert.Error(t, err)
	_, err = buildPayload([]string{"image"}, epd.EPD2in13V3, 0)
	assert.Error(t, err)
}

func TestBuildPayloadBin(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "frame.bin")
	raw := bytes.Repeat([]byte{0xAA}, 4000)
	require.NoError(t, os.WriteFile(path, raw, 0o600))

	p, err := buildPayload([]string{"image", path}, epd.EPD2in13V3, 3813)
	require.NoError(t, err)
	require.Len(t, p, 9+3813)
	assert.Equal(t, "IMG:START", string(p[:9]))
	assert.Equal(t, raw[:3813], p[9:])

	big := filepath.Join(dir, "big.bin")
	require.NoError(t, os.WriteFile(big, make([]byte, 4001), 0o600))
	_, err = buildPayload([]string{"image", big}, epd.EPD2in13V3, 0)
	assert.Error(t, err)
}

func TestBuildPayloadPNG(t *testing.T) {
	// Black left half, white right half, twice the panel size.
	img := image.NewNRGBA(image.Rect(0, 0, 244, 500))
	for y := 0; y < 500; y++ {
		for x := 0; x < 244; x++ {
			c := color.NRGBA{R: 0xFF, G: 0xFF, B: 0xFF, A: 0xFF}
			if x < 122 {
				c = color.NRGBA{A: 0xFF}
			}
			img.SetNRGBA(x, y, c)
		}
	}
	var buf bytes.Buffer
	require.NoError(t, png.Encode(&buf, img))
	path := filepath.Join(t.TempDir(), "half.png")
	require.NoError(t, os.WriteFile(path, buf.Bytes(), 0o600))

	p, err := buildPayload([]string{"image", path}, epd.EPD2in13V3, 0)
	require.NoError(t, err)
	require.Len(t, p, 9+4000)

	// Row 100: the first bytes are ink, the last byte is paper.
	row := p[9+100*16 : 9+101*16]
	assert.Equal(t, byte(0x00), row[0])
	assert.Equal(t, byte(0xFF), row[15])
}

type recordSender struct {
	chunks [][]byte
}

func (r *recordSender) Send(p []byte) error {
	r.chunks = append(r.chunks, bytes.Clone(p))
	return nil
}

func (r *recordSender) Close() error { return nil }

func TestPushChunks(t *testing.T) {
	s := &recordSender{}
	payload := bytes.Repeat([]byte{1}, 500)
	require.NoError(t, push(s, payload, 244, 0))
	require.Len(t, s.chunks, 3)
	assert.Len(t, s.chunks[0], 244)
	assert.Len(t, s.chunks[2], 12)
	assert.Equal(t, payload, bytes.Join(s.chunks, nil))
}

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
	return bytes.Clone(b.buf.Bytes())
}

func TestWebSocketSender(t *testing.T) {
	sink := &syncBuffer{}
	srv := httptest.NewServer(link.NewWebSocket(sink, link.NewTracker()))
	defer srv.Close()

	conn, _, err := websocket.DefaultDialer.Dial("ws"+strings.TrimPrefix(srv.URL, "http"), nil)
	require.NoError(t, err)
	s := &wsSender{conn: conn}

	payload := append([]byte(ingest.TokenImage), bytes.Repeat([]byte{0x55}, 600)...)
	require.NoError(t, push(s, payload, 100, 0))
	require.NoError(t, s.Close())

	// Every chunk was acknowledged before the next one went out.
	assert.Equal(t, payload, sink.Bytes())
}

func TestOpenSenderNeedsOneLink(t *testing.T) {
	_, err := openSender(flagConfig{})
	assert.Error(t, err)
	_, err = openSender(flagConfig{serialPort: "/dev/null", wsURL: "ws://x"})
	assert.Error(t, err)
}
