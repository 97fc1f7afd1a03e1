package service

import (
	"context"
	"fmt"
	"strings"

	"github.com/bwmarrin/snowflake"
	"github.com/smallbiznis/turnstile/internal/clock"
	devicedomain "github.com/smallbiznis/turnstile/internal/device/domain"
	readingdomain "github.com/smallbiznis/turnstile/internal/reading/domain"
	"github.com/smallbiznis/turnstile/pkg/db"
	"go.uber.org/fx"
	"go.uber.org/zap"
	"gorm.io/gorm"
)

type Params struct {
	fx.In

	Log   *zap.Logger
	GenID *snowflake.Node
	Repo  devicedomain.Repository
	Clock clock.Clock `optional:"true"`
}

type Resolver struct {
	log   *zap.Logger
	repo  devicedomain.Repository
	genID *snowflake.Node
	clock clock.Clock
}

func New(p Params) devicedomain.Resolver {
	return NewResolver(p)
}

func NewResolver(p Params) *Resolver {
	clk := p.Clock
	if clk == nil {
		clk = clock.New()
	}
	return &Resolver{
		log:   p.Log.Named("device.resolver"),
		repo:  p.Repo,
		genID: p.GenID,
		clock: clk,
	}
}

func (r *Resolver) Session(tx *gorm.DB) devicedomain.Session {
	return &session{
		resolver: r,
		tx:       tx,
		cache:    make(map[readingdomain.NaturalKey]snowflake.ID),
	}
}

type session struct {
	resolver *Resolver
	tx       *gorm.DB
	cache    map[readingdomain.NaturalKey]snowflake.ID
	created  int
}

func (s *session) Created() int {
	return s.created
}

func (s *session) Resolve(ctx context.Context, key readingdomain.NaturalKey) (snowflake.ID, error) {
	key = normalizeKey(key)
	if key.ControllerArea == "" || key.Unit == "" || key.Subunit == "" {
		return 0, devicedomain.ErrInvalidKey
	}
	if id, ok := s.cache[key]; ok {
		return id, nil
	}

	existing, err := s.resolver.repo.FindByKey(ctx, s.tx, key)
	if err != nil {
		return 0, err
	}
	if existing != nil {
		s.cache[key] = existing.ID
		return existing.ID, nil
	}

	device := &devicedomain.Device{
		ID:             s.resolver.genID.Generate(),
		ControllerArea: key.ControllerArea,
		Unit:           key.Unit,
		Subunit:        key.Subunit,
		CreatedAt:      s.resolver.clock.Now(),
	}

	// savepoint keeps a unique violation from aborting the batch transaction
	err = s.tx.WithContext(ctx).Transaction(func(sp *gorm.DB) error {
		return s.resolver.repo.Insert(ctx, sp, device)
	})
	if err != nil {
		if !db.IsDuplicateKeyErr(err) {
			return 0, err
		}

		winner, findErr := s.resolver.repo.FindByKey(ctx, s.tx, key)
		if findErr != nil {
			return 0, findErr
		}
		if winner == nil {
			return 0, fmt.Errorf("%w: %s", devicedomain.ErrDeviceConflict, key)
		}
		s.resolver.log.Debug("device created concurrently",
			zap.String("natural_key", key.String()),
			zap.String("device_id", winner.ID.String()),
		)
		s.cache[key] = winner.ID
		return winner.ID, nil
	}

	s.created++
	s.cache[key] = device.ID
	return device.ID, nil
}

func normalizeKey(key readingdomain.NaturalKey) readingdomain.NaturalKey {
	return readingdomain.NaturalKey{
		ControllerArea: strings.TrimSpace(key.ControllerArea),
		Unit:           strings.TrimSpace(key.Unit),
		Subunit:        strings.TrimSpace(key.Subunit),
	}
}
