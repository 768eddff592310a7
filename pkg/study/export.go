package study

import (
	"context"
	"time"

	"github.com/entrhq/webscience/pkg/config"
	"github.com/entrhq/webscience/pkg/storage"
	"github.com/entrhq/webscience/pkg/studies/linkexposure"
	"github.com/entrhq/webscience/pkg/studies/navigation"
	"github.com/entrhq/webscience/pkg/studies/socialsharing"
)

// Export is every record a study has stored.
type Export struct {
	Study      string    `json:"study"`
	ExportedAt time.Time `json:"exportedAt"`

	Navigation    []navigation.Record     `json:"navigation"`
	LinkExposure  []linkexposure.Exposure `json:"linkExposure"`
	SocialSharing []socialsharing.Share   `json:"socialSharing"`
}

// ExportRecords reads the records of the study described by cfg from backend.
// The study does not need to be running.
func ExportRecords(ctx context.Context, cfg *config.Config, backend storage.Backend) (*Export, error) {
	out := &Export{Study: cfg.Study.Name, ExportedAt: time.Now().UTC()}

	var err error
	nav := navigation.New(backend, navigation.WithStudyName(cfg.Study.Name))
	if out.Navigation, err = nav.Records(ctx); err != nil {
		return nil, err
	}

	le, err := linkexposure.New(backend, nil, linkexposure.WithStudyName(cfg.Study.Name))
	if err != nil {
		return nil, err
	}
	if out.LinkExposure, err = le.Records(ctx); err != nil {
		return nil, err
	}

	ss, err := socialsharing.New(backend, nil, socialsharing.WithStudyName(cfg.Study.Name))
	if err != nil {
		return nil, err
	}
	if out.SocialSharing, err = ss.Records(ctx); err != nil {
		return nil, err
	}
	return out, nil
}

// Export reads every record the running or stopped study has stored.
func (s *Study) Export(ctx context.Context) (*Export, error) {
	return ExportRecords(ctx, s.cfg, s.backend)
}
