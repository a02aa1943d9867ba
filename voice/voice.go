// Package voice synthesizes narrative audio through the Google Cloud
// Text-to-Speech API using service-account credentials. Assets land under the
// data directory and are referenced by file path in the analysis record.
package voice

import (
	"context"
	"encoding/base64"
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"golang.org/x/oauth2/google"
	"google.golang.org/api/option"
	texttospeech "google.golang.org/api/texttospeech/v1"

	"github.com/onnwee/matchscribe/backend/analysis"
)

const defaultVoiceName = "en-US-Neural2-D"

// Synthesizer implements analysis.Synthesizer over the Text-to-Speech API.
type Synthesizer struct {
	svc       *texttospeech.Service
	dataDir   string
	voiceName string
}

// New builds a synthesizer from service-account JSON credentials.
func New(ctx context.Context, credentialsJSON, dataDir string) (*Synthesizer, error) {
	if strings.TrimSpace(credentialsJSON) == "" {
		return nil, fmt.Errorf("VOICE_CREDENTIALS_JSON is required when voice is enabled")
	}
	jwt, err := google.JWTConfigFromJSON([]byte(credentialsJSON), "https://www.googleapis.com/auth/cloud-platform")
	if err != nil {
		return nil, fmt.Errorf("parse voice credentials: %w", err)
	}
	svc, err := texttospeech.NewService(ctx, option.WithHTTPClient(jwt.Client(ctx)))
	if err != nil {
		return nil, fmt.Errorf("text-to-speech service: %w", err)
	}
	return &Synthesizer{svc: svc, dataDir: dataDir, voiceName: defaultVoiceName}, nil
}

// NewWithService wires an existing service, used by tests with a local endpoint.
func NewWithService(svc *texttospeech.Service, dataDir string) *Synthesizer {
	return &Synthesizer{svc: svc, dataDir: dataDir, voiceName: defaultVoiceName}
}

// Synthesize renders text to an MP3 asset and returns its path.
func (s *Synthesizer) Synthesize(ctx context.Context, matchID, text string) (string, error) {
	if strings.TrimSpace(text) == "" {
		return "", fmt.Errorf("empty narrative for %s", matchID)
	}
	req := &texttospeech.SynthesizeSpeechRequest{
		Input: &texttospeech.SynthesisInput{Text: text},
		Voice: &texttospeech.VoiceSelectionParams{
			LanguageCode: "en-US",
			Name:         s.voiceName,
		},
		AudioConfig: &texttospeech.AudioConfig{AudioEncoding: "MP3"},
	}
	resp, err := s.svc.Text.Synthesize(req).Context(ctx).Do()
	if err != nil {
		return "", fmt.Errorf("synthesize speech for %s: %w", matchID, err)
	}
	if resp.AudioContent == "" {
		return "", fmt.Errorf("synthesize speech for %s: empty audio", matchID)
	}
	return writeAsset(s.dataDir, matchID, resp.AudioContent)
}

// writeAsset decodes the base64 audio payload into <dataDir>/voice/<matchID>.mp3.
func writeAsset(dataDir, matchID, audioB64 string) (string, error) {
	audio, err := base64.StdEncoding.DecodeString(audioB64)
	if err != nil {
		return "", fmt.Errorf("decode audio for %s: %w", matchID, err)
	}
	dir := filepath.Join(dataDir, "voice")
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return "", fmt.Errorf("create voice dir: %w", err)
	}
	path := filepath.Join(dir, sanitize(matchID)+".mp3")
	if err := os.WriteFile(path, audio, 0o644); err != nil {
		return "", fmt.Errorf("write voice asset: %w", err)
	}
	return path, nil
}

// sanitize keeps match ids filesystem-safe.
func sanitize(id string) string {
	return strings.Map(func(r rune) rune {
		switch {
		case r >= 'a' && r <= 'z', r >= 'A' && r <= 'Z', r >= '0' && r <= '9', r == '_', r == '-':
			return r
		default:
			return '_'
		}
	}, id)
}

var _ analysis.Synthesizer = (*Synthesizer)(nil)
