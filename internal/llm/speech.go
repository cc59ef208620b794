package llm

import (
	"context"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"time"

	"github.com/google/uuid"
	openai "github.com/sashabaranov/go-openai"

	. "github.com/valetbot/valet/internal/logging"
	"github.com/valetbot/valet/internal/paths"
)

// Speech synthesizes reply audio. Implements pipeline.Speech. Output files
// land in the outgoing media directory as opus voice notes.
type Speech struct {
	client *Client
	outDir string
}

// NewSpeech wires the TTS route. outDir is created on first synthesis.
func NewSpeech(client *Client, outDir string) *Speech {
	return &Speech{client: client, outDir: outDir}
}

// Synthesize renders text to an audio file and returns its path and mime type.
func (s *Speech) Synthesize(ctx context.Context, text, voice string) (string, string, error) {
	model := s.client.cfg.TTSModel
	if model == "" {
		return "", "", fmt.Errorf("tts model not configured")
	}
	if voice == "" {
		voice = s.client.cfg.TTSVoice
	}
	timeout := 60 * time.Second
	if s.client.cfg.TTSTimeoutSecs > 0 {
		timeout = time.Duration(s.client.cfg.TTSTimeoutSecs) * time.Second
	}
	ctx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	started := time.Now()
	resp, err := s.client.api.CreateSpeech(ctx, openai.CreateSpeechRequest{
		Model:          openai.SpeechModel(model),
		Input:          text,
		Voice:          openai.SpeechVoice(voice),
		ResponseFormat: openai.SpeechResponseFormatOpus,
	})
	if err != nil {
		return "", "", fmt.Errorf("create speech: %w", err)
	}
	defer resp.Close()

	if err := paths.EnsurePrivateDir(s.outDir); err != nil {
		return "", "", fmt.Errorf("ensure media dir: %w", err)
	}
	path := filepath.Join(s.outDir, uuid.NewString()+".ogg")
	f, err := os.OpenFile(path, os.O_WRONLY|os.O_CREATE|os.O_TRUNC, 0600)
	if err != nil {
		return "", "", fmt.Errorf("create audio file: %w", err)
	}
	n, err := io.Copy(f, resp)
	if cerr := f.Close(); err == nil {
		err = cerr
	}
	if err != nil {
		os.Remove(path)
		return "", "", fmt.Errorf("write audio file: %w", err)
	}
	L_debug("llm: tts rendered", "bytes", n, "voice", voice, "elapsed", time.Since(started).Round(time.Millisecond))
	return path, "audio/ogg; codecs=opus", nil
}

// Transcriber converts inbound voice notes to text. Used by channel adapters
// before the message enters the pipeline.
type Transcriber struct {
	client *Client
}

func NewTranscriber(client *Client) *Transcriber { return &Transcriber{client: client} }

// Available reports whether an ASR model is configured.
func (t *Transcriber) Available() bool { return t.client.cfg.ASRModel != "" }

// Transcribe runs ASR over the audio file at path.
func (t *Transcriber) Transcribe(ctx context.Context, path string) (string, error) {
	if !t.Available() {
		return "", fmt.Errorf("asr model not configured")
	}
	ctx, cancel := context.WithTimeout(ctx, t.client.timeout())
	defer cancel()

	resp, err := t.client.api.CreateTranscription(ctx, openai.AudioRequest{
		Model:    t.client.cfg.ASRModel,
		FilePath: path,
	})
	if err != nil {
		return "", fmt.Errorf("transcription: %w", err)
	}
	return resp.Text, nil
}
