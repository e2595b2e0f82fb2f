// Package web provides HTTP handlers and REST API endpoints for consumer
// management and offset monitoring.
package web

import (
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/go-playground/validator/v10"
	"github.com/gofiber/fiber/v3"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"
	"go.opentelemetry.io/otel/trace/noop"

	"github.com/extractd/extractd/pkg/inspector"
	"github.com/extractd/extractd/pkg/models"
	"github.com/extractd/extractd/pkg/otelhelper"
	"github.com/extractd/extractd/pkg/store"
	"github.com/extractd/extractd/pkg/supervisor"
)

type APIHandlers struct {
	supervisor *supervisor.Supervisor
	inspector  *inspector.Inspector
	store      store.Store
	validator  *validator.Validate
	tracer     trace.Tracer
}

func NewAPIHandlers(
	consumerSupervisor *supervisor.Supervisor,
	offsetInspector *inspector.Inspector,
	specStore store.Store,
	validate *validator.Validate,
	tracer trace.Tracer,
) *APIHandlers {
	if tracer == nil {
		tracer = noop.NewTracerProvider().Tracer("extractd-api")
	}

	return &APIHandlers{
		supervisor: consumerSupervisor,
		inspector:  offsetInspector,
		store:      specStore,
		validator:  validate,
		tracer:     tracer,
	}
}

func (h *APIHandlers) GetConsumers(c fiber.Ctx) error {
	specs, err := h.supervisor.List(c.Context())
	if err != nil {
		return handleServiceError(c, err)
	}

	return c.JSON(specs)
}

func (h *APIHandlers) CreateConsumer(c fiber.Ctx) error {
	var req CreateConsumerRequest
	if err := c.Bind().JSON(&req); err != nil {
		return badRequest(c, "Invalid JSON format")
	}

	if err := h.validator.Struct(req); err != nil {
		return badRequest(c, err.Error())
	}

	ctx, span := otelhelper.StartSpan(c.Context(), h.tracer, "consumer.create",
		attribute.String(otelhelper.TopicKey, req.Topic),
		attribute.String(otelhelper.ConsumerGroupKey, req.GroupID))
	defer span.End()

	draft := &models.ConsumerSpec{
		BrokerHost: req.BrokerHost,
		BrokerPort: req.BrokerPort,
		Topic:      req.Topic,
		GroupID:    req.GroupID,
		ClientID:   req.ClientID,
		AutoStart:  req.AutoStart,
		Processors: toProcessorConfigs(req.Processors),
	}

	created, err := h.supervisor.Create(ctx, draft)
	if err != nil {
		otelhelper.SetError(span, err,
			attribute.String(otelhelper.TopicKey, req.Topic),
			attribute.String(otelhelper.ConsumerGroupKey, req.GroupID))

		return handleServiceError(c, err)
	}

	return c.Status(fiber.StatusCreated).JSON(created)
}

func (h *APIHandlers) GetConsumer(c fiber.Ctx) error {
	id := c.Params("id")
	if id == "" {
		return badRequest(c, "Consumer ID is required")
	}

	spec, err := h.supervisor.Get(c.Context(), id)
	if err != nil {
		return handleServiceError(c, err)
	}

	return c.JSON(spec)
}

func (h *APIHandlers) UpdateConsumer(c fiber.Ctx) error {
	id := c.Params("id")
	if id == "" {
		return badRequest(c, "Consumer ID is required")
	}

	var req UpdateConsumerRequest
	if err := c.Bind().JSON(&req); err != nil {
		return badRequest(c, "Invalid JSON format")
	}

	if err := h.validator.Struct(req); err != nil {
		return badRequest(c, err.Error())
	}

	ctx, span := otelhelper.StartSpan(c.Context(), h.tracer, "consumer.update",
		attribute.String(otelhelper.ConsumerIDKey, id))
	defer span.End()

	patch := supervisor.Patch{
		BrokerHost: req.BrokerHost,
		BrokerPort: req.BrokerPort,
		Topic:      req.Topic,
		GroupID:    req.GroupID,
		ClientID:   req.ClientID,
		AutoStart:  req.AutoStart,
	}

	if req.Processors != nil {
		patch.Processors = toProcessorConfigs(req.Processors)
	}

	updated, err := h.supervisor.Update(ctx, id, patch)
	if err != nil {
		otelhelper.SetError(span, err, attribute.String(otelhelper.ConsumerIDKey, id))

		return handleServiceError(c, err)
	}

	return c.JSON(updated)
}

func (h *APIHandlers) StartConsumer(c fiber.Ctx) error {
	id := c.Params("id")
	if id == "" {
		return badRequest(c, "Consumer ID is required")
	}

	ctx, span := otelhelper.StartSpan(c.Context(), h.tracer, "consumer.start",
		attribute.String(otelhelper.ConsumerIDKey, id))
	defer span.End()

	spec, err := h.supervisor.Start(ctx, id)
	if err != nil {
		otelhelper.SetError(span, err, attribute.String(otelhelper.ConsumerIDKey, id))

		return handleServiceError(c, err)
	}

	return c.JSON(ConsumerStatusResponse{ID: spec.ID, Status: spec.Status})
}

func (h *APIHandlers) StopConsumer(c fiber.Ctx) error {
	id := c.Params("id")
	if id == "" {
		return badRequest(c, "Consumer ID is required")
	}

	ctx, span := otelhelper.StartSpan(c.Context(), h.tracer, "consumer.stop",
		attribute.String(otelhelper.ConsumerIDKey, id))
	defer span.End()

	spec, err := h.supervisor.Stop(ctx, id)
	if err != nil {
		otelhelper.SetError(span, err, attribute.String(otelhelper.ConsumerIDKey, id))

		return handleServiceError(c, err)
	}

	return c.JSON(ConsumerStatusResponse{ID: spec.ID, Status: spec.Status})
}

func (h *APIHandlers) DeleteConsumer(c fiber.Ctx) error {
	id := c.Params("id")
	if id == "" {
		return badRequest(c, "Consumer ID is required")
	}

	ctx, span := otelhelper.StartSpan(c.Context(), h.tracer, "consumer.delete",
		attribute.String(otelhelper.ConsumerIDKey, id))
	defer span.End()

	if err := h.supervisor.Delete(ctx, id); err != nil {
		otelhelper.SetError(span, err, attribute.String(otelhelper.ConsumerIDKey, id))

		return handleServiceError(c, err)
	}

	return c.SendStatus(fiber.StatusNoContent)
}

func (h *APIHandlers) GetConsumerGroups(c fiber.Ctx) error {
	scope := inspector.ScopeKnown

	if allStr := c.Query("all_groups"); allStr != "" {
		all, err := strconv.ParseBool(allStr)
		if err != nil {
			return badRequest(c, "all_groups must be a boolean")
		}

		if all {
			scope = inspector.ScopeAll
		}
	}

	groups, err := h.inspector.ListGroups(c.Context(), scope, parseBrokers(c.Query("bootstrap_servers")))
	if err != nil {
		return handleServiceError(c, err)
	}

	return c.JSON(fiber.Map{"consumer_groups": groups})
}

func (h *APIHandlers) GetConsumerGroupOffsets(c fiber.Ctx) error {
	groupID := c.Params("groupId")
	if groupID == "" {
		return badRequest(c, "Consumer group ID is required")
	}

	offsets, err := h.inspector.CommittedOffsets(c.Context(), groupID, nil)
	if err != nil {
		return handleServiceError(c, err)
	}

	return c.JSON(GroupOffsetsResponse{
		GroupID: groupID,
		Offsets: flattenOffsets(offsets),
	})
}

func (h *APIHandlers) MonitorGroupOffsets(c fiber.Ctx) error {
	groupID := c.Query("group_id")
	if groupID == "" {
		return badRequest(c, "group_id query parameter is required")
	}

	offsets, err := h.inspector.CommittedOffsets(c.Context(), groupID, parseBrokers(c.Query("bootstrap_servers")))
	if err != nil {
		return handleServiceError(c, err)
	}

	response := make(map[string]map[int32]int64, len(offsets))
	for topic, partitions := range offsets {
		response[topic] = make(map[int32]int64, len(partitions))
		for partition, committed := range partitions {
			response[topic][partition] = committed.Offset
		}
	}

	return c.JSON(response)
}

func (h *APIHandlers) MonitorGroupLag(c fiber.Ctx) error {
	groupID := c.Query("group_id")
	if groupID == "" {
		return badRequest(c, "group_id query parameter is required")
	}

	topic := c.Query("topic")
	if topic == "" {
		return badRequest(c, "topic query parameter is required")
	}

	lag, err := h.inspector.Lag(c.Context(), groupID, topic, parseBrokers(c.Query("bootstrap_servers")))
	if err != nil {
		return handleServiceError(c, err)
	}

	return c.JSON(lag)
}

func (h *APIHandlers) HealthCheck(c fiber.Ctx) error {
	status := "healthy"
	message := "Extractd API is healthy"
	httpStatus := http.StatusOK
	storeCheck := "ok"

	if err := h.store.HealthCheck(c.Context()); err != nil {
		status = "unhealthy"
		message = "Extractd API is unhealthy"
		httpStatus = http.StatusInternalServerError
		storeCheck = err.Error()
	}

	return c.Status(httpStatus).JSON(fiber.Map{
		"status":  status,
		"message": message,
		"checkers": fiber.Map{
			"store": storeCheck,
		},
		"timestamp": time.Now().UTC(),
	})
}

// parseBrokers splits a comma-separated bootstrap_servers override.
func parseBrokers(raw string) []string {
	if raw == "" {
		return nil
	}

	parts := strings.Split(raw, ",")
	brokers := make([]string, 0, len(parts))

	for _, part := range parts {
		if trimmed := strings.TrimSpace(part); trimmed != "" {
			brokers = append(brokers, trimmed)
		}
	}

	return brokers
}
