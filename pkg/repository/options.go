package repository

import (
	"time"

	"github.com/google/uuid"

	"github.com/nimburion/docrepo/pkg/observability/logger"
)

// Option configures a DocumentRepository.
type Option func(*settings)

type settings struct {
	log       logger.Logger
	clock     func() time.Time
	newID     func() string
	container *ContainerDescriptor
}

func defaultSettings() settings {
	return settings{
		log:   logger.NewNop(),
		clock: time.Now,
		newID: uuid.NewString,
	}
}

// WithLogger sets the logger used for write and batch diagnostics.
func WithLogger(log logger.Logger) Option {
	return func(s *settings) {
		if log != nil {
			s.log = log
		}
	}
}

// WithClock overrides the time source used for audit and deletion metadata.
func WithClock(clock func() time.Time) Option {
	return func(s *settings) {
		if clock != nil {
			s.clock = clock
		}
	}
}

// WithIDGenerator overrides the generator used for entities created without an id.
func WithIDGenerator(newID func() string) Option {
	return func(s *settings) {
		if newID != nil {
			s.newID = newID
		}
	}
}

// WithContainer overrides the container descriptor declared by the entity type.
func WithContainer(desc ContainerDescriptor) Option {
	return func(s *settings) {
		s.container = &desc
	}
}
