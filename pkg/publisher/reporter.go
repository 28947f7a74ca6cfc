package publisher

import (
	"fmt"
	"io"
	"sync"

	"github.com/hashicorp/go-multierror"
	"github.com/sirupsen/logrus"
)

// Label prefixes every line written to the run's log sink.
const Label = "[Publish artifacts to S3 Bucket]"

// Reporter writes run events to a line-oriented sink as they happen and
// folds their severities into the run status. It is safe for concurrent
// use.
type Reporter struct {
	log logrus.FieldLogger

	mu     sync.Mutex
	out    io.Writer
	status Status
	errs   *multierror.Error
}

// NewReporter creates a Reporter writing to out and mirroring each event
// onto log: informational events at debug level, failures at warn and
// error. A nil out discards the line trail.
func NewReporter(out io.Writer, log logrus.FieldLogger) *Reporter {
	if out == nil {
		out = io.Discard
	}

	return &Reporter{
		log: log,
		out: out,
	}
}

// Infof reports an informational event.
func (r *Reporter) Infof(format string, args ...any) {
	msg := fmt.Sprintf(format, args...)

	r.mu.Lock()
	r.writeLine(msg)
	r.mu.Unlock()

	r.log.Debug(msg)
}

// Warnf reports an event that degrades the run without an underlying
// error.
func (r *Reporter) Warnf(format string, args ...any) {
	msg := fmt.Sprintf(format, args...)

	r.mu.Lock()
	r.writeLine(msg)
	r.status = r.status.Worse(StatusUnstable)
	r.errs = multierror.Append(r.errs, fmt.Errorf("%s", msg))
	r.mu.Unlock()

	r.log.Warn(msg)
}

// Failure reports err with full detail and degrades the run.
func (r *Reporter) Failure(err error, format string, args ...any) {
	msg := fmt.Sprintf(format, args...)

	r.mu.Lock()
	r.writeLine(fmt.Sprintf("%s: %+v", msg, err))
	r.status = r.status.Worse(StatusUnstable)
	r.errs = multierror.Append(r.errs, fmt.Errorf("%s: %w", msg, err))
	r.mu.Unlock()

	r.log.WithError(err).Error(msg)
}

// Status returns the worst severity reported so far.
func (r *Reporter) Status() Status {
	r.mu.Lock()
	defer r.mu.Unlock()

	return r.status
}

// Err returns every failure reported so far, or nil.
func (r *Reporter) Err() error {
	r.mu.Lock()
	defer r.mu.Unlock()

	return r.errs.ErrorOrNil()
}

// writeLine must be called with mu held.
func (r *Reporter) writeLine(msg string) {
	_, _ = fmt.Fprintf(r.out, "%s %s\n", Label, msg)
}
