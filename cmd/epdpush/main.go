// Command epdpush sends a clock command or an image frame to a running
// eclock over a serial link or its websocket endpoint.
//
//	epdpush -serial /dev/rfcomm0 clock
//	epdpush -ws ws://raspberrypi:8080/ws -model 2in13_v3 image photo.png
package main

import (
	"bytes"
	"errors"
	"flag"
	"fmt"
	"image"
	"image/color"
	_ "image/jpeg"
	_ "image/png"
	"io"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/gorilla/websocket"
	"github.com/tarm/serial"
	_ "golang.org/x/image/bmp"
	"golang.org/x/image/draw"

	"eclock/internal/convert"
	"eclock/internal/epd"
	"eclock/internal/ingest"
	appLog "eclock/internal/log"
)

type flagConfig struct {
	serialPort string
	baud       int
	wsURL      string
	model      string
	threshold  int
	chunk      int
	delay      time.Duration
}

func main() {
	flags := parseFlags()

	m, ok := epd.ModelByName(flags.model)
	if !ok {
		appLog.Error("unknown panel model", fmt.Errorf("model %q", flags.model))
		os.Exit(2)
	}
	payload, err := buildPayload(flag.Args(), m, flags.threshold)
	if err != nil {
		appLog.Error("failed to build payload", err)
		os.Exit(2)
	}

	s, err := openSender(flags)
	if err != nil {
		appLog.Error("failed to open link", err)
		os.Exit(1)
	}
	defer s.Close()

	start := time.Now()
	if err := push(s, payload, flags.chunk, flags.delay); err != nil {
		appLog.Error("push failed", err)
		os.Exit(1)
	}
	appLog.Info("pushed", "bytes", len(payload), "elapsed", time.Since(start).String())
}

func parseFlags() flagConfig {
	var cfg flagConfig

	flag.StringVar(&cfg.serialPort, "serial", "", "Serial device of the link (e.g. /dev/rfcomm0)")
	flag.IntVar(&cfg.baud, "baud", 115200, "Serial baud rate")
	flag.StringVar(&cfg.wsURL, "ws", "", "Websocket URL of the daemon (e.g. ws://host:8080/ws)")
	flag.StringVar(&cfg.model, "model", "2in13_v3", "Panel model the image is packed for")
	flag.IntVar(&cfg.threshold, "threshold", 0, "Payload bytes to send (default: one full plane)")
	flag.IntVar(&cfg.chunk, "chunk", 244, "Bytes per write")
	flag.DurationVar(&cfg.delay, "delay", 10*time.Millisecond, "Pause between writes")

	flag.Usage = func() {
		fmt.Fprintf(flag.CommandLine.Output(), "usage: epdpush [flags] clock | image <file.{bin,png,jpg,bmp}>\n")
		flag.PrintDefaults()
	}
	flag.Parse()

	return cfg
}

// buildPayload turns the command line into the bytes to stream.
func buildPayload(args []string, m epd.Model, threshold int) ([]byte, error) {
	if len(args) == 0 {
		return nil, errors.New("missing command: clock or image")
	}
	switch args[0] {
	case "clock":
		return []byte(ingest.TokenClock), nil
	case "image":
		if len(args) < 2 {
			return nil, errors.New("image: missing file")
		}
		plane, err := loadPlane(args[1], m)
		if err != nil {
			return nil, err
		}
		if threshold <= 0 || threshold > len(plane) {
			threshold = len(plane)
		}
		return append([]byte(ingest.TokenImage), plane[:threshold]...), nil
	default:
		return nil, fmt.Errorf("unknown command %q", args[0])
	}
}

// loadPlane reads a raw .bin plane or decodes and packs an image. Only the
// black plane is sent.
func loadPlane(path string, m epd.Model) ([]byte, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}
	if strings.EqualFold(filepath.Ext(path), ".bin") {
		if n := m.Geometry.BytesPerPlane(); len(data) > n {
			return nil, fmt.Errorf("%s: %d bytes exceed the %s plane (%d)", path, len(data), m.Geometry, n)
		}
		return data, nil
	}

	img, _, err := image.Decode(bytes.NewReader(data))
	if err != nil {
		return nil, fmt.Errorf("%s: %w", path, err)
	}
	black, _, err := convert.Pack(fit(img, m.Geometry), m.Geometry)
	return black, err
}

// fit scales img to the panel keeping its aspect ratio, centered on white.
func fit(img image.Image, g epd.Geometry) image.Image {
	b := img.Bounds()
	if b.Dx() == g.Width && b.Dy() == g.Height {
		return img
	}
	dst := image.NewNRGBA(image.Rect(0, 0, g.Width, g.Height))
	draw.Draw(dst, dst.Bounds(), &image.Uniform{C: color.White}, image.Point{}, draw.Src)

	w, h := g.Width, b.Dy()*g.Width/b.Dx()
	if h > g.Height {
		w, h = b.Dx()*g.Height/b.Dy(), g.Height
	}
	x0, y0 := (g.Width-w)/2, (g.Height-h)/2
	draw.CatmullRom.Scale(dst, image.Rect(x0, y0, x0+w, y0+h), img, b, draw.Over, nil)
	return dst
}

type sender interface {
	Send(p []byte) error
	Close() error
}

func openSender(cfg flagConfig) (sender, error) {
	switch {
	case cfg.serialPort != "" && cfg.wsURL != "":
		return nil, errors.New("choose one of -serial and -ws")
	case cfg.serialPort != "":
		p, err := serial.OpenPort(&serial.Config{Name: cfg.serialPort, Baud: cfg.baud})
		if err != nil {
			return nil, err
		}
		return &streamSender{w: p}, nil
	case cfg.wsURL != "":
		conn, _, err := websocket.DefaultDialer.Dial(cfg.wsURL, nil)
		if err != nil {
			return nil, err
		}
		return &wsSender{conn: conn}, nil
	default:
		return nil, errors.New("no link: set -serial or -ws")
	}
}

// streamSender writes to a raw byte stream such as a serial port.
type streamSender struct {
	w io.WriteCloser
}

func (s *streamSender) Send(p []byte) error {
	_, err := s.w.Write(p)
	return err
}

func (s *streamSender) Close() error { return s.w.Close() }

// wsSender sends each chunk as a binary message and waits for the reply.
type wsSender struct {
	conn *websocket.Conn
}

func (s *wsSender) Send(p []byte) error {
	if err := s.conn.WriteMessage(websocket.BinaryMessage, p); err != nil {
		return err
	}
	_, reply, err := s.conn.ReadMessage()
	if err != nil {
		return err
	}
	if r := string(reply); r != "ok" {
		return fmt.Errorf("daemon: %s", strings.TrimPrefix(r, "error: "))
	}
	return nil
}

func (s *wsSender) Close() error {
	_ = s.conn.WriteControl(websocket.CloseMessage,
		websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""), time.Now().Add(time.Second))
	return s.conn.Close()
}

// push writes payload in chunks, pausing between them so a slow link keeps up.
func push(s sender, payload []byte, chunk int, delay time.Duration) error {
	if chunk <= 0 {
		chunk = len(payload)
	}
	for off := 0; off < len(payload); off += chunk {
		end := min(off+chunk, len(payload))
		if err := s.Send(payload[off:end]); err != nil {
			return fmt.Errorf("at byte %d: %w", off, err)
		}
		if delay > 0 && end < len(payload) {
			time.Sleep(delay)
		}
	}
	return nil
}
