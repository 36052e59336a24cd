package server

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"time"

	"github.com/gin-contrib/pprof"
	"github.com/gin-gonic/gin"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/redis/go-redis/v9"

	"github.com/vesys/veapi/internal/api"
	"github.com/vesys/veapi/internal/domain"
	"github.com/vesys/veapi/internal/event"
	"github.com/vesys/veapi/internal/leaderboard"
	"github.com/vesys/veapi/internal/progress"
	"github.com/vesys/veapi/internal/question"
	"github.com/vesys/veapi/internal/recommend"
	"github.com/vesys/veapi/internal/telemetry"
	"github.com/vesys/veapi/internal/user"
)

const version = "1.0.0"

type Config struct {
	HTTP struct {
		Port int32
	}

	Auth struct {
		SessionTTL time.Duration
	}

	Scoring struct {
		CorrectAnswerPoints int64
		AnswerPoints        int64
		GamePoints          int64
		GameBonusPoints     int64
		GameBonusScore      int64
	}

	Recommend struct {
		Threshold   float64
		MaxSubjects int
	}

	Redis struct {
		Session struct {
			Addrs  []string
			Pass   string
			Prefix string
		}

		Leaderboard struct {
			Addrs  []string
			Pass   string
			Prefix string
		}

		Pubsub struct {
			Addrs  []string
			Pass   string
			Prefix string
		}
	}

	Postgres struct {
		Identity struct {
			Addr string
			User string
			Pass string
			Name string
		}

		Events struct {
			Addr string
			User string
			Pass string
			Name string
		}

		Education struct {
			Addr string
			User string
			Pass string
			Name string
		}
	}
}

type Server struct {
	c Config

	eb *event.Bus

	infra struct {
		redis struct {
			session     redis.UniversalClient
			leaderboard redis.UniversalClient
			pubsub      redis.UniversalClient
		}

		postgres struct {
			identity  *pgxpool.Pool
			events    *pgxpool.Pool
			education *pgxpool.Pool
		}
	}

	service struct {
		user        *user.Service
		question    *question.Service
		progress    *progress.Service
		leaderboard *leaderboard.Service
		recommend   *recommend.Selector
	}

	http *http.Server
}

func Init(c Config) (*Server, error) {
	s := &Server{c: c}

	s.eb = event.NewBus()

	if err := s.initInfra(); err != nil {
		return nil, fmt.Errorf("server: init infra: %w", err)
	}

	s.initService()
	s.initAPI()
	return s, nil
}

func (s *Server) initInfra() error {
	if err := s.initRedis(); err != nil {
		return fmt.Errorf("redis: %w", err)
	}

	if err := s.initPostgres(); err != nil {
		return fmt.Errorf("postgres: %w", err)
	}

	return nil
}

func (s *Server) initRedis() error {
	connect := func(addrs []string, pass string) (redis.UniversalClient, error) {
		ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()

		r := redis.NewUniversalClient(&redis.UniversalOptions{
			Addrs:    addrs,
			Password: pass,
		})

		if err := telemetry.MonitorRedis(r); err != nil {
			return nil, err
		}

		if err := r.Ping(ctx).Err(); err != nil {
			return nil, err
		}

		return r, nil
	}

	var err error
	s.infra.redis.session, err = connect(s.c.Redis.Session.Addrs, s.c.Redis.Session.Pass)
	if err != nil {
		return fmt.Errorf("session: %w", err)
	}

	s.infra.redis.leaderboard, err = connect(s.c.Redis.Leaderboard.Addrs, s.c.Redis.Leaderboard.Pass)
	if err != nil {
		return fmt.Errorf("leaderboard: %w", err)
	}

	s.infra.redis.pubsub, err = connect(s.c.Redis.Pubsub.Addrs, s.c.Redis.Pubsub.Pass)
	if err != nil {
		return fmt.Errorf("pubsub: %w", err)
	}

	return nil
}

func (s *Server) initPostgres() (err error) {
	connect := func(addr, user, pass, name string) (*pgxpool.Pool, error) {
		ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()

		cc, err := pgxpool.ParseConfig(fmt.Sprintf("postgres://%s:%s@%s/%s", user, pass, addr, name))
		if err != nil {
			return nil, err
		}

		db, err := pgxpool.NewWithConfig(ctx, cc)
		if err != nil {
			return nil, err
		}

		if err := db.Ping(ctx); err != nil {
			return nil, err
		}

		return db, nil
	}

	s.infra.postgres.identity, err = connect(s.c.Postgres.Identity.Addr, s.c.Postgres.Identity.User, s.c.Postgres.Identity.Pass, s.c.Postgres.Identity.Name)
	if err != nil {
		return fmt.Errorf("identity: %w", err)
	}

	s.infra.postgres.events, err = connect(s.c.Postgres.Events.Addr, s.c.Postgres.Events.User, s.c.Postgres.Events.Pass, s.c.Postgres.Events.Name)
	if err != nil {
		return fmt.Errorf("events: %w", err)
	}

	s.infra.postgres.education, err = connect(s.c.Postgres.Education.Addr, s.c.Postgres.Education.User, s.c.Postgres.Education.Pass, s.c.Postgres.Education.Name)
	if err != nil {
		return fmt.Errorf("education: %w", err)
	}

	return nil
}

func (s *Server) initService() {
	s.service.user = user.NewService(user.Config{
		EventBus:   s.eb,
		DB:         s.infra.postgres.identity,
		Redis:      s.infra.redis.session,
		Prefix:     s.c.Redis.Session.Prefix,
		SessionTTL: s.c.Auth.SessionTTL,
	})

	s.service.question = question.NewService(question.Config{
		DB: s.infra.postgres.education,
	})

	s.service.progress = progress.NewService(progress.Config{
		EventBus: s.eb,
		DB:       s.infra.postgres.events,
		Redis:    s.infra.redis.leaderboard,
		Prefix:   s.c.Redis.Leaderboard.Prefix,
		Users:    s.service.user,
		Scoring: domain.ScoringPolicy{
			CorrectAnswerPoints: s.c.Scoring.CorrectAnswerPoints,
			AnswerPoints:        s.c.Scoring.AnswerPoints,
			GamePoints:          s.c.Scoring.GamePoints,
			GameBonusPoints:     s.c.Scoring.GameBonusPoints,
			GameBonusScore:      s.c.Scoring.GameBonusScore,
		},
	})

	s.service.leaderboard = leaderboard.NewService(leaderboard.Config{
		EventBus: s.eb,
		Redis:    s.infra.redis.leaderboard,
		Prefix:   s.c.Redis.Leaderboard.Prefix,
		Users:    s.service.user,
		Rollups:  s.service.progress,
	})

	s.service.recommend = recommend.NewSelector(recommend.Config{
		Threshold:   s.c.Recommend.Threshold,
		MaxSubjects: s.c.Recommend.MaxSubjects,
	})
}

func (s *Server) initAPI() {
	e := gin.New()
	e.GET("/metrics", gin.WrapH(promhttp.Handler()))
	pprof.Register(e, "/debug/pprof")
	e.Use(gin.Recovery())

	e.GET("/", s.index)
	e.GET("/health", s.healthLive)
	e.GET("/health/live", s.healthLive)
	e.GET("/health/ready", s.healthReady)

	api.New(api.Config{
		Router:       e,
		EventBus:     s.eb,
		User:         s.service.user,
		Question:     s.service.question,
		Progress:     s.service.progress,
		Leaderboard:  s.service.leaderboard,
		Recommend:    s.service.recommend,
		Redis:        s.infra.redis.pubsub,
		PubsubPrefix: s.c.Redis.Pubsub.Prefix,
	})

	s.http = &http.Server{
		Addr:              fmt.Sprintf(":%d", s.c.HTTP.Port),
		Handler:           e,
		ReadHeaderTimeout: 60 * time.Second,
	}
}

func (s *Server) index(c *gin.Context) {
	c.JSON(http.StatusOK, gin.H{
		"name":      "VE-System API",
		"version":   version,
		"status":    "running",
		"timestamp": time.Now().UTC(),
	})
}

func (s *Server) healthLive(c *gin.Context) {
	c.JSON(http.StatusOK, gin.H{
		"status":    "alive",
		"timestamp": time.Now().UTC(),
	})
}

// healthReady pings every backing store and reports per-store status.
// Returns 503 when any store is unreachable.
func (s *Server) healthReady(c *gin.Context) {
	ctx, cancel := context.WithTimeout(c.Request.Context(), 5*time.Second)
	defer cancel()

	checks := map[string]func(context.Context) error{
		"postgres.identity":  s.infra.postgres.identity.Ping,
		"postgres.events":    s.infra.postgres.events.Ping,
		"postgres.education": s.infra.postgres.education.Ping,
		"redis.session":      func(ctx context.Context) error { return s.infra.redis.session.Ping(ctx).Err() },
		"redis.leaderboard":  func(ctx context.Context) error { return s.infra.redis.leaderboard.Ping(ctx).Err() },
		"redis.pubsub":       func(ctx context.Context) error { return s.infra.redis.pubsub.Ping(ctx).Err() },
	}

	status := make(map[string]string, len(checks))
	allOK := true
	for name, check := range checks {
		if err := check(ctx); err != nil {
			status[name] = fmt.Sprintf("error: %v", err)
			allOK = false
		} else {
			status[name] = "ok"
		}
	}

	code := http.StatusOK
	ready := "ready"
	if !allOK {
		code = http.StatusServiceUnavailable
		ready = "partial"
	}

	c.JSON(code, gin.H{
		"status":    ready,
		"stores":    status,
		"timestamp": time.Now().UTC(),
	})
}

func (s *Server) Start() {
	ctx := context.TODO()

	slog.InfoContext(ctx, fmt.Sprintf("server: HTTP listening on port %d", s.c.HTTP.Port))
	if err := s.http.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
		slog.ErrorContext(ctx, "server: shutdown with error", "error", err)
	}
}

func (s *Server) Shutdown() {
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	if err := s.http.Shutdown(ctx); err != nil {
		slog.ErrorContext(ctx, "server: shutdown HTTP failed", "error", err)
	}

	s.eb.Stop()

	slog.InfoContext(ctx, "server: shutdown completed")
}
