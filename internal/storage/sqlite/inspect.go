package sqlite

import (
	"context"
	"os"

	"go.uber.org/zap"

	"gateway/internal/config"
)

type SegmentInfo struct {
	Name    string
	Path    string
	Bytes   int64
	Records int64
}

// Inspect lists the segment files of a data folder with their size and row count.
// It must not run against a folder owned by an open Queue.
func Inspect(ctx context.Context, settings config.Storage, log *zap.Logger) ([]SegmentInfo, error) {
	settings = settings.WithDefaults()
	prefix, suffix := settings.SegmentAffixes()
	namer, err := NewNamer(settings.DataFolderPath, prefix, suffix, settings.DBFileName)
	if err != nil {
		return nil, err
	}
	names, err := namer.List()
	if err != nil {
		return nil, err
	}
	out := make([]SegmentInfo, 0, len(names))
	for _, name := range names {
		info := SegmentInfo{Name: name, Path: namer.Path(name)}
		if st, err := os.Stat(info.Path); err == nil {
			info.Bytes = st.Size()
		}
		info.Records = countRows(ctx, info.Path, log)
		out = append(out, info)
	}
	return out, nil
}
