package main

import (
	"encoding/base64"
	"flag"
	"fmt"
	"io"
	"log"
	"os"
	"os/exec"
	"os/signal"
	"strconv"
	"sync"
	"time"

	"github.com/bytedance/sonic"
	"github.com/gorilla/websocket"
)

// relayEvent covers the fields of the forwarded Voice Live events we print.
type relayEvent struct {
	Type       string `json:"type"`
	Delta      string `json:"delta,omitempty"`
	Transcript string `json:"transcript,omitempty"`
	Error      *struct {
		Message string `json:"message"`
	} `json:"error,omitempty"`
}

// AudioPlayer streams PCM16 24kHz mono audio via sox
type AudioPlayer struct {
	cmd    *exec.Cmd
	stdin  io.WriteCloser
	mu     sync.Mutex
	closed bool
}

func NewAudioPlayer() *AudioPlayer {
	cmd := exec.Command("sox",
		"-t", "raw",
		"-r", strconv.Itoa(sampleRate),
		"-b", "16",
		"-c", "1",
		"-e", "signed-integer",
		"-",
		"-d",
	)

	stdin, err := cmd.StdinPipe()
	if err != nil {
		log.Println("sox stdin error:", err)
		return nil
	}

	if err := cmd.Start(); err != nil {
		log.Println("sox start error:", err)
		return nil
	}

	return &AudioPlayer{cmd: cmd, stdin: stdin}
}

func (p *AudioPlayer) Play(audioData []byte) {
	if p == nil {
		return
	}
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.closed || p.stdin == nil {
		return
	}
	p.stdin.Write(audioData)
}

func (p *AudioPlayer) Close() {
	if p == nil {
		return
	}
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.closed {
		return
	}
	p.closed = true
	if p.stdin != nil {
		p.stdin.Close()
	}
	if p.cmd != nil && p.cmd.Process != nil {
		p.cmd.Wait()
	}
}

func main() {
	serverURL := flag.String("server", "ws://localhost:8080/api/voicelive/ws", "Relay WebSocket URL")
	audioFile := flag.String("file", "", "Audio file to stream (PCM16 24kHz mono, raw or WAV)")
	text := flag.String("text", "", "Send a text turn instead of audio")
	play := flag.Bool("play", true, "Play synthesized audio with sox")
	readyWait := flag.Duration("ready-wait", 2*time.Second, "Wait before sending so the relay finishes connecting upstream")
	wait := flag.Duration("wait", 30*time.Second, "How long to wait for responses")
	flag.Parse()

	if *audioFile == "" && *text == "" {
		log.Fatal("one of -file or -text is required")
	}

	log.Printf("🔌 Connecting to %s...", *serverURL)
	conn, _, err := websocket.DefaultDialer.Dial(*serverURL, nil)
	if err != nil {
		log.Fatalf("Failed to connect: %v", err)
	}
	defer conn.Close()
	log.Println("✅ Connected!")

	var player *AudioPlayer
	if *play {
		if player = NewAudioPlayer(); player == nil {
			log.Println("⚠️ sox unavailable, audio will not be played")
		}
	}
	defer player.Close()

	interrupt := make(chan os.Signal, 1)
	signal.Notify(interrupt, os.Interrupt)

	done := make(chan struct{})
	go func() {
		defer close(done)
		for {
			messageType, message, err := conn.ReadMessage()
			if err != nil {
				log.Println("Read error:", err)
				return
			}
			if messageType == websocket.BinaryMessage {
				player.Play(message)
				continue
			}
			printEvent(message, player)
		}
	}()

	// Frames sent before the relay is connected upstream are dropped
	time.Sleep(*readyWait)

	if *text != "" {
		if err := sendText(conn, *text); err != nil {
			log.Fatalf("Failed to send text: %v", err)
		}
	} else {
		if err := streamAudio(conn, *audioFile); err != nil {
			log.Fatalf("Failed to stream audio: %v", err)
		}
	}

	select {
	case <-done:
		log.Println("Connection closed")
	case <-interrupt:
		log.Println("\n👋 Interrupted, closing...")
		conn.WriteMessage(websocket.CloseMessage, websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""))
	case <-time.After(*wait):
		log.Println("⏰ Timeout waiting for response")
	}
}

func printEvent(message []byte, player *AudioPlayer) {
	var ev relayEvent
	if err := sonic.Unmarshal(message, &ev); err != nil {
		log.Println("Parse error:", err)
		return
	}

	switch ev.Type {
	case "response.audio.delta":
		audio, err := base64.StdEncoding.DecodeString(ev.Delta)
		if err == nil {
			player.Play(audio)
		}
	case "response.audio_transcript.delta":
		fmt.Print(ev.Delta)
	case "response.audio_transcript.done":
		fmt.Println()
	case "conversation.item.input_audio_transcription.completed":
		log.Printf("🎤 You said: %s", ev.Transcript)
	case "response.done":
		log.Println("--- Response done ---")
	case "error":
		if ev.Error != nil {
			log.Printf("❌ Error: %s", ev.Error.Message)
		}
	default:
		log.Printf("📊 %s", ev.Type)
	}
}

func sendText(conn *websocket.Conn, text string) error {
	item, err := sonic.Marshal(map[string]any{
		"type": "conversation.item.create",
		"item": map[string]any{
			"type":    "message",
			"role":    "user",
			"content": []map[string]any{{"type": "input_text", "text": text}},
		},
	})
	if err != nil {
		return err
	}
	if err := conn.WriteMessage(websocket.TextMessage, item); err != nil {
		return err
	}
	log.Printf("📤 Sent text: %s", text)
	return conn.WriteMessage(websocket.TextMessage, []byte(`{"type":"response.create"}`))
}

func streamAudio(conn *websocket.Conn, path string) error {
	audioData, err := loadAudioFile(path)
	if err != nil {
		return err
	}

	chunks := audioChunks(audioData)
	for i, chunk := range chunks {
		if err := conn.WriteMessage(websocket.BinaryMessage, chunk); err != nil {
			return err
		}
		log.Printf("📤 Sent chunk %d/%d (%d bytes)", i+1, len(chunks), len(chunk))
		time.Sleep(chunkInterval)
	}
	log.Println("✅ Audio sent, waiting for response...")
	return nil
}

// Voice Live expects pcm16 at 24kHz mono; 100ms is 2400 samples.
const (
	sampleRate    = 24000
	chunkInterval = 100 * time.Millisecond
	chunkBytes    = sampleRate * 2 / 10
)

// audioChunks splits PCM into 100ms frames for real-time pacing.
func audioChunks(pcm []byte) [][]byte {
	var chunks [][]byte
	for i := 0; i < len(pcm); i += chunkBytes {
		chunks = append(chunks, pcm[i:min(i+chunkBytes, len(pcm))])
	}
	return chunks
}

// loadAudioFile loads PCM or WAV file and returns raw PCM bytes
func loadAudioFile(path string) ([]byte, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}

	// Standard 44-byte WAV header
	if len(data) > 44 && string(data[0:4]) == "RIFF" {
		log.Println("📁 Detected WAV file, skipping header")
		return data[44:], nil
	}

	log.Println("📁 Detected raw PCM file")
	return data, nil
}
