package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"
)

func TestLoadYAMLWithEnvOverride(t *testing.T) {
	t.Setenv("GATEWAY_STORAGE_MAX_DB_AMOUNT", "3")

	path := filepath.Join(t.TempDir(), "gateway.yaml")
	content := []byte(`
gateway:
  name: gw-1
storage:
  data_folder_path: /var/lib/gateway
  size_limit: 5000
  max_db_amount: 8
ingest:
  socket:
    enabled: true
  kafka:
    enabled: true
    brokers: ["127.0.0.1:9092"]
    topics: ["telemetry"]
    group_id: gw
`)
	if err := os.WriteFile(path, content, 0o600); err != nil {
		t.Fatal(err)
	}

	cfg, err := Load(path)
	if err != nil {
		t.Fatalf("load yaml: %v", err)
	}
	if cfg.Storage.MaxDBAmount != 3 {
		t.Fatalf("expected env override of max_db_amount, got %d", cfg.Storage.MaxDBAmount)
	}
	if cfg.Storage.SizeLimit != 5000 {
		t.Fatalf("size_limit = %d", cfg.Storage.SizeLimit)
	}
	if cfg.Storage.WritingBatchSize != DefaultWritingBatchSize {
		t.Fatalf("expected default writing batch size, got %d", cfg.Storage.WritingBatchSize)
	}
	if !cfg.Ingest.Socket.Enabled || !cfg.Ingest.Kafka.Enabled {
		t.Fatalf("expected socket and kafka ingest enabled")
	}
	if cfg.Ingest.Kafka.Converter != "json" {
		t.Fatalf("unexpected kafka converter default %q", cfg.Ingest.Kafka.Converter)
	}
}

func TestLoadTOML(t *testing.T) {
	path := filepath.Join(t.TempDir(), "gateway.toml")
	content := []byte(`
[gateway]
name = "gw-2"

[storage]
db_file_name = "telemetry.db"
messages_ttl_in_days = 2

[uplink]
sink = "kafka"

[uplink.kafka]
brokers = ["127.0.0.1:9092"]
topic = "uplink"
`)
	if err := os.WriteFile(path, content, 0o600); err != nil {
		t.Fatal(err)
	}

	cfg, err := Load(path)
	if err != nil {
		t.Fatalf("load toml: %v", err)
	}
	if cfg.Gateway.Name != "gw-2" {
		t.Fatalf("unexpected gateway name: %q", cfg.Gateway.Name)
	}
	prefix, suffix := cfg.Storage.SegmentAffixes()
	if prefix != "telemetry_" || suffix != ".db" {
		t.Fatalf("unexpected affixes %q %q", prefix, suffix)
	}
	if cfg.Storage.MessagesTTL() != 48*time.Hour {
		t.Fatalf("unexpected ttl %v", cfg.Storage.MessagesTTL())
	}
}

func TestStorageWithDefaults(t *testing.T) {
	s := Storage{}.WithDefaults()
	if err := s.Validate(); err != nil {
		t.Fatalf("defaults must validate: %v", err)
	}
	if s.DBFileName != "data.db" || s.MaxReadRecordsCount != 100 || s.MaxDBAmount != 10 {
		t.Fatalf("unexpected defaults: %+v", s)
	}
	if s.OversizeCheckInterval() != time.Minute {
		t.Fatalf("unexpected oversize interval %v", s.OversizeCheckInterval())
	}
	prefix, suffix := s.SegmentAffixes()
	if prefix != "data_" || suffix != ".db" {
		t.Fatalf("unexpected affixes %q %q", prefix, suffix)
	}
}

func TestStorageValidateRejectsNonPositive(t *testing.T) {
	cases := map[string]func(*Storage){
		"ttl":        func(s *Storage) { s.MessagesTTLInDays = -1 },
		"batch":      func(s *Storage) { s.WritingBatchSize = -5 },
		"size_limit": func(s *Storage) { s.SizeLimit = -1 },
		"db_amount":  func(s *Storage) { s.MaxDBAmount = -2 },
		"file_name":  func(s *Storage) { s.DBFileName = "nested/data.db" },
	}
	for name, mutate := range cases {
		s := Storage{}.WithDefaults()
		mutate(&s)
		if err := s.Validate(); err == nil {
			t.Fatalf("%s: expected validation error", name)
		}
	}
}

func TestValidateUplinkSink(t *testing.T) {
	cfg := Config{Gateway: GatewayConfig{Name: "gw"}, Storage: Storage{}.WithDefaults(), Uplink: UplinkConfig{Sink: "carrier-pigeon"}}
	if err := cfg.Validate(); err == nil {
		t.Fatalf("expected unsupported sink error")
	}
	cfg.Uplink = UplinkConfig{Sink: SinkRabbitMQ}
	if err := cfg.Validate(); err == nil {
		t.Fatalf("expected rabbitmq sink to require url and exchange")
	}
	cfg.Uplink.RabbitMQ = UplinkRabbitMQConfig{URL: "amqp://localhost", Exchange: "uplink"}
	if err := cfg.Validate(); err != nil {
		t.Fatalf("validate: %v", err)
	}
}

func TestValidateKafkaIngestRequiresBrokers(t *testing.T) {
	cfg := Config{
		Gateway: GatewayConfig{Name: "gw"},
		Storage: Storage{}.WithDefaults(),
		Uplink:  UplinkConfig{Sink: SinkNone},
		Ingest:  IngestConfig{Kafka: KafkaConfig{Enabled: true, Topics: []string{"t"}, GroupID: "g"}},
	}
	if err := cfg.Validate(); err == nil {
		t.Fatalf("expected kafka brokers validation error")
	}
}
