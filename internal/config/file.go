package config

import (
	"bytes"
	"errors"
	"fmt"
	"io"
	"os"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/teslashibe/go-parley/pkg/audioio"
	"github.com/teslashibe/go-parley/pkg/conversation"
	"github.com/teslashibe/go-parley/pkg/knowledge"
	"github.com/teslashibe/go-parley/pkg/monitor"
	"github.com/teslashibe/go-parley/pkg/realtime"
)

// File is the on-disk configuration.
type File struct {
	// Target is what the conversation should achieve. It becomes the session
	// instructions, combined with prior knowledge when any exists.
	Target string `yaml:"target"`

	// LogLevel is debug, info, warn or error.
	LogLevel string `yaml:"log_level"`

	Conversation Conversation     `yaml:"conversation"`
	Realtime     realtime.Config  `yaml:"realtime"`
	Audio        audioio.Config   `yaml:"audio"`
	Knowledge    knowledge.Config `yaml:"knowledge"`
	Monitor      Monitor          `yaml:"monitor"`
}

// Conversation holds the engine settings that make sense in a file.
type Conversation struct {
	Voice              realtime.Voice        `yaml:"voice"`
	Modality           conversation.Modality `yaml:"modality"`
	ServerVAD          bool                  `yaml:"server_vad"`
	InputTranscription bool                  `yaml:"input_transcription"`
	HandshakeTimeout   time.Duration         `yaml:"handshake_timeout"`
	ToolTimeout        time.Duration         `yaml:"tool_timeout"`
	AllowEnd           bool                  `yaml:"allow_end"`

	// KnowledgeTools registers knowledge_base, remember_fact and recall_fact.
	KnowledgeTools bool `yaml:"knowledge_tools"`

	// KnowledgePath is the list merged by the knowledge_base tool.
	KnowledgePath string `yaml:"knowledge_path"`
}

// Monitor enables the observer HTTP server.
type Monitor struct {
	Enabled bool   `yaml:"enabled"`
	Addr    string `yaml:"addr"`
	History int    `yaml:"history"`
}

// Default returns the built-in configuration.
func Default() File {
	conv := conversation.DefaultConfig()
	mon := monitor.DefaultConfig()
	return File{
		LogLevel: "info",
		Conversation: Conversation{
			Voice:            conv.Voice,
			Modality:         conv.Modality,
			HandshakeTimeout: conv.HandshakeTimeout,
			ToolTimeout:      conv.ToolTimeout,
			AllowEnd:         true,
			KnowledgeTools:   true,
			KnowledgePath:    "/notes",
		},
		Realtime:  realtime.DefaultConfig(),
		Audio:     audioio.DefaultConfig(),
		Knowledge: knowledge.Config{Backend: knowledge.BackendMemory},
		Monitor:   Monitor{Addr: mon.Addr, History: mon.History},
	}
}

// Load reads path over the defaults and applies environment overrides. An
// empty path skips the file.
func Load(path string) (File, error) {
	f := Default()
	if path != "" {
		data, err := os.ReadFile(path)
		if err != nil {
			return File{}, fmt.Errorf("config: %w", err)
		}
		if err := f.decode(data); err != nil {
			return File{}, fmt.Errorf("config: %s: %w", path, err)
		}
	}
	f.applyEnv()
	return f, nil
}

func (f *File) decode(data []byte) error {
	dec := yaml.NewDecoder(bytes.NewReader(data))
	dec.KnownFields(true)
	if err := dec.Decode(f); err != nil && !errors.Is(err, io.EOF) {
		return err
	}
	return nil
}

func (f *File) applyEnv() {
	f.Realtime.APIKey = APIKey()
	f.Target = Env("TARGET", f.Target)
	f.LogLevel = Env("LOG_LEVEL", f.LogLevel)
	f.Realtime.Model = Env("MODEL", f.Realtime.Model)
	f.Realtime.URL = Env("URL", f.Realtime.URL)
	f.Conversation.Voice = realtime.Voice(Env("VOICE", string(f.Conversation.Voice)))
	f.Conversation.Modality = conversation.Modality(Env("MODALITY", string(f.Conversation.Modality)))
	f.Conversation.ServerVAD = EnvBool("SERVER_VAD", f.Conversation.ServerVAD)
	f.Conversation.HandshakeTimeout = EnvDuration("HANDSHAKE_TIMEOUT", f.Conversation.HandshakeTimeout)
	f.Audio.Backend = audioio.Backend(Env("AUDIO_BACKEND", string(f.Audio.Backend)))
	f.Audio.InputFile = Env("AUDIO_INPUT", f.Audio.InputFile)
	f.Audio.OutputDir = Env("AUDIO_OUTPUT_DIR", f.Audio.OutputDir)
	f.Knowledge.Backend = knowledge.Backend(Env("KNOWLEDGE_BACKEND", string(f.Knowledge.Backend)))
	f.Knowledge.Path = Env("KNOWLEDGE_PATH", f.Knowledge.Path)
	f.Monitor.Enabled = EnvBool("MONITOR", f.Monitor.Enabled)
	f.Monitor.Addr = Env("MONITOR_ADDR", f.Monitor.Addr)
}

// EngineConfig builds the engine configuration. Tools and the logger are
// left for the caller.
func (f File) EngineConfig(instructions string) conversation.Config {
	cfg := conversation.DefaultConfig()
	cfg.Instructions = instructions
	cfg.Voice = f.Conversation.Voice
	cfg.Modality = f.Conversation.Modality
	cfg.InputTranscription = f.Conversation.InputTranscription
	cfg.HandshakeTimeout = f.Conversation.HandshakeTimeout
	cfg.ToolTimeout = f.Conversation.ToolTimeout
	cfg.AllowEnd = f.Conversation.AllowEnd
	cfg.SampleRate = f.Audio.SampleRate
	if f.Conversation.ServerVAD {
		cfg.TurnDetection = realtime.ServerVAD()
	}
	return cfg
}

// MonitorConfig builds the monitor server configuration.
func (f File) MonitorConfig() monitor.Config {
	return monitor.Config{Addr: f.Monitor.Addr, History: f.Monitor.History}
}

// Validate checks every section needed to run a conversation.
func (f File) Validate() error {
	if err := f.Realtime.Validate(); err != nil {
		if errors.Is(err, realtime.ErrMissingAPIKey) {
			return fmt.Errorf("config: %s is not set: %w", EnvAPIKey, err)
		}
		return fmt.Errorf("config: %w", err)
	}
	if err := f.EngineConfig("").Validate(); err != nil {
		return fmt.Errorf("config: %w", err)
	}
	if f.Conversation.Modality == conversation.ModalityVoice {
		if err := f.Audio.Validate(); err != nil {
			return fmt.Errorf("config: %w", err)
		}
	}
	return nil
}
