package worker

import (
	"context"
	"fmt"

	"github.com/websweep/websweep/internal/crawler"
	"github.com/websweep/websweep/internal/storage/file"
	"github.com/websweep/websweep/internal/storage/sqlite"
)

// SinkFactory builds the forum post sink a job's options select. The default
// sink writes through the shared page store; sqlite and file sinks are
// job-scoped and owned by the caller until closed.
type SinkFactory struct {
	pages crawler.PageStore
}

// NewSinkFactory builds a factory around the shared page store.
func NewSinkFactory(pages crawler.PageStore) *SinkFactory {
	return &SinkFactory{pages: pages}
}

// ForumSink returns the sink for one forum job.
func (f *SinkFactory) ForumSink(job crawler.Job, opts crawler.JobOptions) (crawler.ForumSink, error) {
	switch opts.Output {
	case crawler.OutputSQLite:
		if opts.FilePath == "" {
			return nil, fmt.Errorf("sqlite output requires filePath")
		}
		return sqlite.Open(opts.FilePath)
	case crawler.OutputFile:
		if opts.FilePath == "" {
			return nil, fmt.Errorf("file output requires filePath")
		}
		return file.Open(opts.FilePath)
	case crawler.OutputDefault, "":
		return &pageStoreSink{pages: f.pages}, nil
	default:
		return nil, fmt.Errorf("unknown forum output %q", opts.Output)
	}
}

// pageStoreSink adapts the shared PageStore to the ForumSink interface.
type pageStoreSink struct {
	pages crawler.PageStore
}

func (s *pageStoreSink) InsertPost(ctx context.Context, post crawler.ForumPost) error {
	return s.pages.InsertForumPost(ctx, post)
}

// Close is a no-op; the shared store outlives the job.
func (s *pageStoreSink) Close() error { return nil }
