package config

import (
	"fmt"
	"path/filepath"
	"strings"
	"time"
)

const (
	DefaultDataFolderPath          = "./data"
	DefaultDBFileName              = "data.db"
	DefaultMessagesTTLInDays       = 7
	DefaultMessagesTTLCheckInHours = 1
	DefaultWritingBatchSize        = 1000
	DefaultMaxReadRecordsCount     = 100
	DefaultSizeLimit               = 100000
	DefaultMaxDBAmount             = 10
	DefaultOversizeCheckPeriod     = 60
)

// Storage configures the durable segment queue.
//
// SizeLimit is a row count: a segment is sealed once that many records have been
// accepted into it. OversizeCheckPeriod is in seconds.
type Storage struct {
	DataFolderPath          string `mapstructure:"data_folder_path"`
	DBFileName              string `mapstructure:"db_file_name"`
	MessagesTTLInDays       int    `mapstructure:"messages_ttl_in_days"`
	MessagesTTLCheckInHours int    `mapstructure:"messages_ttl_check_in_hours"`
	WritingBatchSize        int    `mapstructure:"writing_batch_size"`
	MaxReadRecordsCount     int    `mapstructure:"max_read_records_count"`
	SizeLimit               int64  `mapstructure:"size_limit"`
	MaxDBAmount             int    `mapstructure:"max_db_amount"`
	OversizeCheckPeriod     int    `mapstructure:"oversize_check_period"`
}

// WithDefaults returns a copy with every unset field replaced by its default.
func (s Storage) WithDefaults() Storage {
	if s.DataFolderPath == "" {
		s.DataFolderPath = DefaultDataFolderPath
	}
	if s.DBFileName == "" {
		s.DBFileName = DefaultDBFileName
	}
	if s.MessagesTTLInDays == 0 {
		s.MessagesTTLInDays = DefaultMessagesTTLInDays
	}
	if s.MessagesTTLCheckInHours == 0 {
		s.MessagesTTLCheckInHours = DefaultMessagesTTLCheckInHours
	}
	if s.WritingBatchSize == 0 {
		s.WritingBatchSize = DefaultWritingBatchSize
	}
	if s.MaxReadRecordsCount == 0 {
		s.MaxReadRecordsCount = DefaultMaxReadRecordsCount
	}
	if s.SizeLimit == 0 {
		s.SizeLimit = DefaultSizeLimit
	}
	if s.MaxDBAmount == 0 {
		s.MaxDBAmount = DefaultMaxDBAmount
	}
	if s.OversizeCheckPeriod == 0 {
		s.OversizeCheckPeriod = DefaultOversizeCheckPeriod
	}
	return s
}

func (s Storage) Validate() error {
	if strings.TrimSpace(s.DataFolderPath) == "" {
		return fmt.Errorf("storage.data_folder_path is required")
	}
	if s.DBFileName == "" || filepath.Base(s.DBFileName) != s.DBFileName {
		return fmt.Errorf("storage.db_file_name must be a bare file name, got %q", s.DBFileName)
	}
	positive := []struct {
		name string
		v    int64
	}{
		{"storage.messages_ttl_in_days", int64(s.MessagesTTLInDays)},
		{"storage.messages_ttl_check_in_hours", int64(s.MessagesTTLCheckInHours)},
		{"storage.writing_batch_size", int64(s.WritingBatchSize)},
		{"storage.max_read_records_count", int64(s.MaxReadRecordsCount)},
		{"storage.size_limit", s.SizeLimit},
		{"storage.max_db_amount", int64(s.MaxDBAmount)},
		{"storage.oversize_check_period", int64(s.OversizeCheckPeriod)},
	}
	for _, p := range positive {
		if p.v <= 0 {
			return fmt.Errorf("%s must be > 0, got %d", p.name, p.v)
		}
	}
	return nil
}

func (s Storage) MessagesTTL() time.Duration {
	return time.Duration(s.MessagesTTLInDays) * 24 * time.Hour
}

func (s Storage) TTLCheckInterval() time.Duration {
	return time.Duration(s.MessagesTTLCheckInHours) * time.Hour
}

func (s Storage) OversizeCheckInterval() time.Duration {
	return time.Duration(s.OversizeCheckPeriod) * time.Second
}

// SegmentAffixes splits DBFileName into the prefix and suffix used for segment
// names, e.g. "data.db" gives "data_" and ".db".
func (s Storage) SegmentAffixes() (prefix, suffix string) {
	name := s.DBFileName
	if name == "" {
		name = DefaultDBFileName
	}
	suffix = filepath.Ext(name)
	if suffix == "" {
		suffix = ".db"
	}
	return strings.TrimSuffix(name, filepath.Ext(name)) + "_", suffix
}
