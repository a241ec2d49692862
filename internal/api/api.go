package api

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.uber.org/zap"

	"github.com/t77yq/telemetry-hub/internal/alarm"
	"github.com/t77yq/telemetry-hub/internal/broker"
	"github.com/t77yq/telemetry-hub/internal/model"
	"github.com/t77yq/telemetry-hub/internal/tenant"
)

const maxBodyBytes = 1 << 20

// AlarmService is the alarm lifecycle the API exposes
type AlarmService interface {
	CreateManual(ctx context.Context, input alarm.ManualAlarm) (*model.Alarm, error)
	Acknowledge(ctx context.Context, id, actor, comment string) (*model.Alarm, error)
	Clear(ctx context.Context, id, actor, comment string) (*model.Alarm, error)
	Delete(ctx context.Context, id string) error
	Get(ctx context.Context, id string) (*model.Alarm, error)
	List(ctx context.Context, filter model.AlarmFilter) ([]*model.Alarm, error)
	Summary(ctx context.Context) (*model.AlarmSummary, error)
}

// RuleInvalidator drops a tenant's cached rules
type RuleInvalidator interface {
	Invalidate(tenantID string)
}

// InvalidationPublisher tells other instances to drop a tenant's cached rules
type InvalidationPublisher interface {
	Publish(subject string, data []byte) error
}

// LiveHandler serves a live websocket for one device
type LiveHandler interface {
	Serve(w http.ResponseWriter, r *http.Request, deviceID string)
}

// HealthCheck reports whether a dependency is usable
type HealthCheck func(ctx context.Context) error

// Services holds what the handlers call into
type Services struct {
	Alarms        AlarmService
	Rules         RuleInvalidator
	Invalidations InvalidationPublisher
	Live          LiveHandler
	Health        map[string]HealthCheck
	Guard         *tenant.Guard
	TokenSecret   []byte
}

// RegisterHandlers mounts the API on router
func RegisterHandlers(router *chi.Mux, svc Services, logger *zap.Logger) *chi.Mux {
	logger = logger.Named("api")

	router.Get("/healthz", healthHandler(svc.Health))
	router.Handle("/metrics", promhttp.Handler())

	router.Route("/v1", func(r chi.Router) {
		r.Use(Authenticator(svc.Guard, svc.TokenSecret, logger))

		r.Route("/alarms", func(r chi.Router) {
			r.Post("/", createAlarmHandler(logger, svc.Alarms))
			r.Get("/", listAlarmsHandler(logger, svc.Alarms))
			r.Get("/summary", summaryHandler(logger, svc.Alarms))
			r.Get("/{alarmID}", getAlarmHandler(logger, svc.Alarms))
			r.Post("/{alarmID}/ack", transitionHandler(logger, svc.Alarms.Acknowledge))
			r.Post("/{alarmID}/clear", transitionHandler(logger, svc.Alarms.Clear))
			r.Delete("/{alarmID}", deleteAlarmHandler(logger, svc.Alarms))
		})

		r.Post("/rules/invalidate", invalidateRulesHandler(logger, svc.Rules, svc.Invalidations))

		if svc.Live != nil {
			r.Get("/live/{deviceID}", func(w http.ResponseWriter, r *http.Request) {
				svc.Live.Serve(w, r, chi.URLParam(r, "deviceID"))
			})
		}
	})

	return router
}

func healthHandler(checks map[string]HealthCheck) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		ctx, cancel := context.WithTimeout(r.Context(), 2*time.Second)
		defer cancel()

		status := http.StatusOK
		results := make(map[string]string, len(checks))
		for name, check := range checks {
			if err := check(ctx); err != nil {
				results[name] = err.Error()
				status = http.StatusServiceUnavailable
				continue
			}
			results[name] = "ok"
		}

		writeJSON(w, status, results)
	}
}

func createAlarmHandler(log *zap.Logger, svc AlarmService) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		var input alarm.ManualAlarm
		if err := decodeBody(r, &input); err != nil {
			writeError(w, http.StatusBadRequest, err)
			return
		}
		input.Severity = model.Severity(strings.ToUpper(string(input.Severity)))

		created, err := svc.CreateManual(r.Context(), input)
		if err != nil {
			respondError(log, w, r, "unable to create alarm", err)
			return
		}

		writeJSON(w, http.StatusCreated, created)
	}
}

func listAlarmsHandler(log *zap.Logger, svc AlarmService) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		filter, err := parseFilter(r)
		if err != nil {
			writeError(w, http.StatusBadRequest, err)
			return
		}

		alarms, err := svc.List(r.Context(), filter)
		if err != nil {
			respondError(log, w, r, "unable to list alarms", err)
			return
		}
		if alarms == nil {
			alarms = []*model.Alarm{}
		}

		writeJSON(w, http.StatusOK, alarms)
	}
}

func summaryHandler(log *zap.Logger, svc AlarmService) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		summary, err := svc.Summary(r.Context())
		if err != nil {
			respondError(log, w, r, "unable to count alarms", err)
			return
		}
		writeJSON(w, http.StatusOK, summary)
	}
}

func getAlarmHandler(log *zap.Logger, svc AlarmService) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		found, err := svc.Get(r.Context(), chi.URLParam(r, "alarmID"))
		if err != nil {
			respondError(log, w, r, "unable to fetch alarm", err)
			return
		}
		writeJSON(w, http.StatusOK, found)
	}
}

type transitionRequest struct {
	Comment string `json:"comment"`
}

func transitionHandler(log *zap.Logger, transition func(ctx context.Context, id, actor, comment string) (*model.Alarm, error)) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		var req transitionRequest
		if r.ContentLength != 0 {
			if err := decodeBody(r, &req); err != nil {
				writeError(w, http.StatusBadRequest, err)
				return
			}
		}

		updated, err := transition(r.Context(), chi.URLParam(r, "alarmID"), tenant.Actor(r.Context()), req.Comment)
		if err != nil {
			respondError(log, w, r, "unable to update alarm", err)
			return
		}
		writeJSON(w, http.StatusOK, updated)
	}
}

func deleteAlarmHandler(log *zap.Logger, svc AlarmService) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		if err := svc.Delete(r.Context(), chi.URLParam(r, "alarmID")); err != nil {
			respondError(log, w, r, "unable to delete alarm", err)
			return
		}
		w.WriteHeader(http.StatusNoContent)
	}
}

func invalidateRulesHandler(log *zap.Logger, rules RuleInvalidator, pub InvalidationPublisher) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		tenantID, err := tenant.TenantID(r.Context())
		if err != nil {
			writeError(w, statusFor(err), err)
			return
		}

		rules.Invalidate(tenantID)
		if pub != nil {
			if err := pub.Publish(broker.RuleInvalidateSubject(tenantID), nil); err != nil {
				log.Warn("Failed to broadcast rule invalidation",
					zap.String("tenant_id", tenantID),
					zap.Error(err))
			}
		}

		log.Info("Rule cache invalidated",
			zap.String("tenant_id", tenantID),
			zap.String("actor", tenant.Actor(r.Context())))
		w.WriteHeader(http.StatusAccepted)
	}
}

func respondError(log *zap.Logger, w http.ResponseWriter, r *http.Request, msg string, err error) {
	status := statusFor(err)
	if status >= http.StatusInternalServerError {
		log.Error(msg, zap.String("path", r.URL.Path), zap.Error(err))
	} else {
		log.Debug(msg, zap.String("path", r.URL.Path), zap.Error(err))
	}
	writeError(w, status, err)
}

func decodeBody(r *http.Request, v interface{}) error {
	defer r.Body.Close()

	dec := json.NewDecoder(io.LimitReader(r.Body, maxBodyBytes))
	dec.DisallowUnknownFields()
	if err := dec.Decode(v); err != nil {
		return fmt.Errorf("invalid request body: %w", err)
	}
	return nil
}

func parseFilter(r *http.Request) (model.AlarmFilter, error) {
	q := r.URL.Query()

	filter := model.AlarmFilter{
		Status:    model.AlarmStatus(strings.ToUpper(q.Get("status"))),
		Severity:  model.Severity(strings.ToUpper(q.Get("severity"))),
		DeviceID:  q.Get("device_id"),
		AlarmType: q.Get("alarm_type"),
	}

	var err error
	if filter.Limit, err = intParam(q.Get("limit")); err != nil {
		return filter, fmt.Errorf("invalid limit: %w", err)
	}
	if filter.Offset, err = intParam(q.Get("offset")); err != nil {
		return filter, fmt.Errorf("invalid offset: %w", err)
	}
	return filter, nil
}

func intParam(value string) (int, error) {
	if value == "" {
		return 0, nil
	}
	return strconv.Atoi(value)
}
