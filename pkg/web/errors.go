package web

import (
	"errors"

	"github.com/gofiber/fiber/v3"
	"github.com/moogar0880/problems"

	"github.com/extractd/extractd/pkg/extractor"
	"github.com/extractd/extractd/pkg/inspector"
	"github.com/extractd/extractd/pkg/processor"
	"github.com/extractd/extractd/pkg/store"
)

func badRequest(c fiber.Ctx, detail string) error {
	problem := problems.NewStatusProblem(400).
		WithInstance(c.Path()).
		WithType("validation_error").
		WithDetail(detail)

	return c.Status(fiber.StatusBadRequest).JSON(problem)
}

func notFound(c fiber.Ctx, detail string) error {
	problem := problems.NewStatusProblem(404).
		WithInstance(c.Path()).
		WithType("not_found").
		WithDetail(detail)

	return c.Status(fiber.StatusNotFound).JSON(problem)
}

func internalError(c fiber.Ctx, err error) error {
	problem := problems.NewStatusProblem(500).
		WithInstance(c.Path()).
		WithType("internal_error").
		WithError(err)

	return c.Status(fiber.StatusInternalServerError).JSON(problem)
}

// handleServiceError maps supervisor, store and inspector errors onto the
// HTTP taxonomy.
func handleServiceError(c fiber.Ctx, err error) error {
	switch {
	case store.IsNotFound(err):
		return notFound(c, "consumer not found")

	case store.IsAlreadyExists(err):
		problem := problems.NewStatusProblem(409).
			WithInstance(c.Path()).
			WithType("conflict").
			WithDetail(err.Error())

		return c.Status(fiber.StatusConflict).JSON(problem)

	case processor.IsUnknownType(err):
		problem := problems.NewStatusProblem(400).
			WithInstance(c.Path()).
			WithType("unknown_processor_type").
			WithDetail(err.Error())

		return c.Status(fiber.StatusBadRequest).JSON(problem)

	case processor.IsBadConfig(err):
		problem := problems.NewStatusProblem(400).
			WithInstance(c.Path()).
			WithType("invalid_processor_config").
			WithDetail(err.Error())

		return c.Status(fiber.StatusBadRequest).JSON(problem)

	case errors.Is(err, extractor.ErrClientInit) || inspector.IsClientInit(err):
		problem := problems.NewStatusProblem(502).
			WithInstance(c.Path()).
			WithType("kafka_client_init_failed").
			WithDetail(err.Error())

		return c.Status(fiber.StatusBadGateway).JSON(problem)

	case errors.Is(err, extractor.ErrStopTimeout) || inspector.IsTimedOut(err):
		problem := problems.NewStatusProblem(504).
			WithInstance(c.Path()).
			WithType("timed_out").
			WithDetail(err.Error())

		return c.Status(fiber.StatusGatewayTimeout).JSON(problem)

	case inspector.IsGroupNotFound(err):
		return notFound(c, err.Error())

	case inspector.IsTopicNotFound(err):
		return notFound(c, err.Error())

	case errors.Is(err, inspector.ErrNoBrokers):
		return badRequest(c, err.Error())

	default:
		return internalError(c, err)
	}
}
