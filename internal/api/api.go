package api

import (
	"context"
	"log/slog"
	"net/http"
	"strconv"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/redis/go-redis/v9"

	"github.com/vesys/veapi/internal/domain"
	"github.com/vesys/veapi/internal/errors"
	"github.com/vesys/veapi/internal/event"
	"github.com/vesys/veapi/internal/leaderboard"
	"github.com/vesys/veapi/internal/progress"
	"github.com/vesys/veapi/internal/question"
	"github.com/vesys/veapi/internal/recommend"
	"github.com/vesys/veapi/internal/user"
)

type Config struct {
	Router       gin.IRouter
	EventBus     *event.Bus
	User         *user.Service
	Question     *question.Service
	Progress     *progress.Service
	Leaderboard  *leaderboard.Service
	Recommend    *recommend.Selector
	Redis        Redis
	PubsubPrefix string
}

type Redis interface {
	Publish(ctx context.Context, channel string, message any) *redis.IntCmd
}

type API struct {
	us *user.Service
	qs *question.Service
	ps *progress.Service
	ls *leaderboard.Service
	rs *recommend.Selector

	redis  Redis
	prefix string
}

func New(c Config) *API {
	a := &API{
		us:     c.User,
		qs:     c.Question,
		ps:     c.Progress,
		ls:     c.Leaderboard,
		rs:     c.Recommend,
		redis:  c.Redis,
		prefix: c.PubsubPrefix,
	}

	v1 := c.Router.Group("/api/v1")

	auth := v1.Group("/auth")
	auth.POST("/register", a.register)
	auth.POST("/login", a.login)
	auth.POST("/logout", a.authRequired(), a.logout)

	v1.GET("/education/questions", a.listQuestions)
	v1.POST("/education/check", a.authRequired(), a.checkAnswer)
	v1.POST("/games", a.authRequired(), a.submitGame)

	users := v1.Group("/users")
	users.GET("/:username", a.getUser)
	users.PUT("/:username", a.authRequired(), a.updateProfile)
	users.GET("/:username/history", a.getHistory)
	users.GET("/:username/analytics", a.getAnalytics)
	users.GET("/:username/analytics/subjects", a.getSubjectAnalytics)
	users.GET("/:username/recommendations", a.getRecommendations)

	v1.GET("/leaderboard", a.getLeaderboard)
	v1.POST("/admin/leaderboard/rebuild", a.authRequired(), a.rebuildLeaderboard)

	v1.GET("/status", a.status)

	// Redis pub/sub notification fan-out
	c.EventBus.Subscribe(domain.EventNameLeaderboardUpdated, func(ctx context.Context, e event.Event) error {
		return a.PublishLeaderboardUpdated(ctx, e.(domain.EventLeaderboardUpdated))
	})
	c.EventBus.Subscribe(domain.EventNameRollupUpdated, func(ctx context.Context, e event.Event) error {
		return a.PublishRollupUpdated(ctx, e.(domain.EventRollupUpdated))
	})

	return a
}

func (a *API) register(c *gin.Context) {
	var req struct {
		Username    string `json:"username"`
		Password    string `json:"password"`
		DisplayName string `json:"display_name"`
	}
	if err := c.ShouldBindJSON(&req); err != nil {
		renderError(c, errors.New(errors.CodeInvalidArgument, errors.WithCause(err)))
		return
	}

	u, err := a.us.Register(c.Request.Context(), user.RegisterRequest{
		Username:    req.Username,
		Password:    req.Password,
		DisplayName: req.DisplayName,
	})
	if err != nil {
		renderError(c, err)
		return
	}

	c.JSON(http.StatusCreated, gin.H{"user": userView(u)})
}

func (a *API) login(c *gin.Context) {
	var req struct {
		Username string `json:"username"`
		Password string `json:"password"`
	}
	if err := c.ShouldBindJSON(&req); err != nil {
		renderError(c, errors.New(errors.CodeInvalidArgument, errors.WithCause(err)))
		return
	}

	resp, err := a.us.Login(c.Request.Context(), user.LoginRequest{
		Username: req.Username,
		Password: req.Password,
	})
	if err != nil {
		renderError(c, err)
		return
	}

	c.JSON(http.StatusOK, gin.H{
		"token":       resp.Token,
		"expire_time": resp.ExpireTime,
		"user":        userView(&resp.User),
	})
}

func (a *API) logout(c *gin.Context) {
	if err := a.us.Logout(c.Request.Context(), bearerToken(c)); err != nil {
		renderError(c, err)
		return
	}

	c.Status(http.StatusNoContent)
}

func (a *API) listQuestions(c *gin.Context) {
	limit, err := limitParam(c)
	if err != nil {
		renderError(c, err)
		return
	}

	qs, err := a.qs.List(c.Request.Context(), question.ListRequest{
		Subject: c.Query("subject"),
		Limit:   limit,
	})
	if err != nil {
		renderError(c, err)
		return
	}

	views := make([]gin.H, 0, len(qs))
	for _, q := range qs {
		views = append(views, gin.H{
			"question_id":   q.QuestionID,
			"subject":       q.Subject,
			"question_text": q.QuestionText,
			"options":       q.Options,
		})
	}

	c.JSON(http.StatusOK, gin.H{"questions": views, "count": len(views)})
}

// checkAnswer grades an answer, appends the AnswerEvent for the calling user
// and returns the verdict together with the updated rollup.
func (a *API) checkAnswer(c *gin.Context) {
	var req struct {
		RequestID  string `json:"request_id"`
		QuestionID string `json:"question_id"`
		Answer     string `json:"answer"`
	}
	if err := c.ShouldBindJSON(&req); err != nil {
		renderError(c, errors.New(errors.CodeInvalidArgument, errors.WithCause(err)))
		return
	}

	u := currentUser(c)

	verdict, err := a.qs.Check(c.Request.Context(), question.CheckRequest{
		QuestionID: req.QuestionID,
		Answer:     req.Answer,
	})
	if err != nil {
		renderError(c, err)
		return
	}

	r, err := a.ps.RecordAnswer(c.Request.Context(), progress.RecordAnswerRequest{
		EventID:    req.RequestID,
		UserID:     u.UserID,
		Username:   u.Username,
		Subject:    verdict.Subject,
		QuestionID: req.QuestionID,
		Correct:    verdict.Correct,
		SubmitTime: time.Now(),
	})
	if err != nil {
		renderError(c, err)
		return
	}

	c.JSON(http.StatusOK, gin.H{
		"correct":        verdict.Correct,
		"correct_answer": verdict.CorrectAnswer,
		"explanation":    verdict.Explanation,
		"your_answer":    req.Answer,
		"rollup":         rollupView(r),
	})
}

func (a *API) submitGame(c *gin.Context) {
	var req struct {
		RequestID string `json:"request_id"`
		GameType  string `json:"game_type"`
		Score     int64  `json:"score"`
	}
	if err := c.ShouldBindJSON(&req); err != nil {
		renderError(c, errors.New(errors.CodeInvalidArgument, errors.WithCause(err)))
		return
	}

	u := currentUser(c)

	r, err := a.ps.RecordGame(c.Request.Context(), progress.RecordGameRequest{
		EventID:    req.RequestID,
		UserID:     u.UserID,
		Username:   u.Username,
		GameType:   req.GameType,
		Score:      req.Score,
		SubmitTime: time.Now(),
	})
	if err != nil {
		renderError(c, err)
		return
	}

	c.JSON(http.StatusOK, gin.H{"rollup": rollupView(r)})
}

func (a *API) getUser(c *gin.Context) {
	u, err := a.us.Get(c.Request.Context(), user.GetRequest{Username: c.Param("username")})
	if err != nil {
		renderError(c, err)
		return
	}

	c.JSON(http.StatusOK, gin.H{"user": userView(u)})
}

func (a *API) updateProfile(c *gin.Context) {
	if currentUser(c).Username != c.Param("username") {
		renderError(c, errors.New(errors.CodeUnauthenticated,
			errors.WithMessagef("cannot update another user's profile")))
		return
	}

	var req struct {
		DisplayName string `json:"display_name"`
	}
	if err := c.ShouldBindJSON(&req); err != nil {
		renderError(c, errors.New(errors.CodeInvalidArgument, errors.WithCause(err)))
		return
	}

	u, err := a.us.UpdateProfile(c.Request.Context(), user.UpdateProfileRequest{
		Username:    c.Param("username"),
		DisplayName: req.DisplayName,
	})
	if err != nil {
		renderError(c, err)
		return
	}

	c.JSON(http.StatusOK, gin.H{"user": userView(u)})
}

func (a *API) getHistory(c *gin.Context) {
	limit, err := limitParam(c)
	if err != nil {
		renderError(c, err)
		return
	}

	u, err := a.us.Get(c.Request.Context(), user.GetRequest{Username: c.Param("username")})
	if err != nil {
		renderError(c, err)
		return
	}

	entries, err := a.ps.History(c.Request.Context(), progress.HistoryRequest{
		UserID: u.UserID,
		Limit:  limit,
	})
	if err != nil {
		renderError(c, err)
		return
	}

	views := make([]gin.H, 0, len(entries))
	for _, e := range entries {
		switch e.Kind {
		case progress.HistoryKindAnswer:
			views = append(views, gin.H{
				"kind":        e.Kind,
				"event_id":    e.Answer.EventID,
				"subject":     e.Answer.Subject,
				"question_id": e.Answer.QuestionID,
				"correct":     e.Answer.Correct,
				"create_time": e.CreateTime,
			})
		case progress.HistoryKindGame:
			views = append(views, gin.H{
				"kind":        e.Kind,
				"event_id":    e.Game.EventID,
				"game_type":   e.Game.GameType,
				"score":       e.Game.Score,
				"create_time": e.CreateTime,
			})
		}
	}

	c.JSON(http.StatusOK, gin.H{"history": views, "count": len(views)})
}

func (a *API) getAnalytics(c *gin.Context) {
	r, err := a.rollupFor(c)
	if err != nil {
		renderError(c, err)
		return
	}

	c.JSON(http.StatusOK, gin.H{"rollup": rollupView(r)})
}

func (a *API) getSubjectAnalytics(c *gin.Context) {
	r, err := a.rollupFor(c)
	if err != nil {
		renderError(c, err)
		return
	}

	c.JSON(http.StatusOK, gin.H{"subjects": subjectViews(r)})
}

func (a *API) getRecommendations(c *gin.Context) {
	r, err := a.rollupFor(c)
	if err != nil {
		renderError(c, err)
		return
	}

	recs := a.rs.Select(*r)
	views := make([]gin.H, 0, len(recs))
	for _, rec := range recs {
		views = append(views, gin.H{
			"subject":  rec.Subject,
			"accuracy": rec.Accuracy.InexactFloat64(),
			"answers":  rec.Answers,
		})
	}

	c.JSON(http.StatusOK, gin.H{"recommendations": views})
}

func (a *API) getLeaderboard(c *gin.Context) {
	metric := c.DefaultQuery("metric", string(domain.MetricExperience))
	m, ok := domain.ParseMetric(metric)
	if !ok {
		renderError(c, errors.New(errors.CodeInvalidArgument,
			errors.WithMessagef("unknown leaderboard metric: %q", metric)))
		return
	}

	limit, err := limitParam(c)
	if err != nil {
		renderError(c, err)
		return
	}

	l, err := a.ls.Get(c.Request.Context(), leaderboard.GetRequest{
		Metric: m,
		Limit:  limit,
	})
	if err != nil {
		renderError(c, err)
		return
	}

	entries := make([]gin.H, 0, len(l.Entries))
	for _, e := range l.Entries {
		entries = append(entries, gin.H{
			"rank":     e.Rank,
			"username": e.Username,
			"value":    e.Value,
		})
	}

	c.JSON(http.StatusOK, gin.H{"metric": l.Metric, "entries": entries})
}

func (a *API) rebuildLeaderboard(c *gin.Context) {
	if err := a.ls.Rebuild(c.Request.Context()); err != nil {
		renderError(c, err)
		return
	}

	c.JSON(http.StatusOK, gin.H{"status": "rebuilt"})
}

func (a *API) status(c *gin.Context) {
	ctx := c.Request.Context()

	users, err := a.us.Count(ctx)
	if err != nil {
		renderError(c, err)
		return
	}

	answers, games, err := a.ps.Counts(ctx)
	if err != nil {
		renderError(c, err)
		return
	}

	questions, err := a.qs.Count(ctx)
	if err != nil {
		renderError(c, err)
		return
	}

	c.JSON(http.StatusOK, gin.H{
		"system": "veapi",
		"totals": gin.H{
			"users":         users,
			"answer_events": answers,
			"game_events":   games,
			"questions":     questions,
		},
		"timestamp": time.Now().UTC(),
	})
}

func (a *API) rollupFor(c *gin.Context) (*domain.ProgressRollup, error) {
	u, err := a.us.Get(c.Request.Context(), user.GetRequest{Username: c.Param("username")})
	if err != nil {
		return nil, err
	}

	return a.ps.Rollup(c.Request.Context(), progress.RollupRequest{
		UserID:   u.UserID,
		Username: u.Username,
	})
}

// limitParam parses the optional limit query parameter. 0 means unset, the
// services apply their own defaults and caps.
func limitParam(c *gin.Context) (int, error) {
	raw := c.Query("limit")
	if raw == "" {
		return 0, nil
	}

	n, err := strconv.Atoi(raw)
	if err != nil || n < 0 {
		return 0, errors.New(errors.CodeInvalidArgument,
			errors.WithMessagef("limit must be a non-negative integer: %q", raw))
	}

	return n, nil
}

func userView(u *domain.User) gin.H {
	return gin.H{
		"username":     u.Username,
		"display_name": u.DisplayName,
		"create_time":  u.CreateTime,
	}
}

func rollupView(r *domain.ProgressRollup) gin.H {
	v := gin.H{
		"username":        r.Username,
		"total_answers":   r.TotalAnswers,
		"correct_answers": r.CorrectAnswers,
		"accuracy":        r.Accuracy.InexactFloat64(),
		"experience":      r.Experience,
		"streak":          r.Streak,
		"per_subject":     subjectViews(r),
	}
	if !r.LastActive.IsZero() {
		v["last_active"] = r.LastActive
	}

	return v
}

func subjectViews(r *domain.ProgressRollup) map[string]gin.H {
	subjects := make(map[string]gin.H, len(r.PerSubject))
	for name, st := range r.PerSubject {
		subjects[name] = gin.H{
			"answers":  st.Answers,
			"correct":  st.Correct,
			"accuracy": st.Accuracy.InexactFloat64(),
		}
	}

	return subjects
}

func renderError(c *gin.Context, err error) {
	e := errors.Convert(err)
	if e.Code == errors.CodeInternal {
		slog.ErrorContext(c.Request.Context(), "api: request failed",
			"path", c.FullPath(),
			"error", err,
		)
	}

	c.AbortWithStatusJSON(e.HTTPStatusCode(), gin.H{"error": gin.H{
		"code":    e.Code.String(),
		"message": e.Message,
	}})
}
