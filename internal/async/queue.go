package async

import (
	"context"
	"time"

	"github.com/google/uuid"

	"github.com/dquispe/comprobantes/internal/pipeline"
)

// Job carries one finished batch to the archival workers. The result is
// already final; archival never changes what the client was told.
type Job struct {
	BatchID        uuid.UUID
	RucConsultante string
	Result         pipeline.BatchResult
	SubmittedAt    time.Time
}

type Queue interface {
	Enqueue(ctx context.Context, job Job) error
	Shutdown(ctx context.Context)
}
