package api

import (
	"encoding/json"
	"errors"

	"github.com/gofiber/fiber/v2"
	"go.uber.org/zap"

	"github.com/papercomputeco/coach/pkg/llm"
	"github.com/papercomputeco/coach/pkg/resume"
)

func (s *Server) handleCreateResume(c *fiber.Ctx) error {
	var req resume.CreateRequest
	if err := json.Unmarshal(c.Body(), &req); err != nil {
		return c.Status(fiber.StatusBadRequest).JSON(llm.ErrorResponse{Error: "invalid request body"})
	}

	res, err := s.resumes.Create(c.Context(), &req)
	if err != nil {
		return s.storeError(c, err)
	}

	s.logger.Info("resume created", zap.String("resume_id", res.ID))
	return c.Status(fiber.StatusCreated).JSON(res)
}

func (s *Server) handleGetResume(c *fiber.Ctx) error {
	res, err := s.resumes.Get(c.Context(), c.Params("id"))
	if err != nil {
		return s.storeError(c, err)
	}
	return c.JSON(res)
}

func (s *Server) handleUpdateResume(c *fiber.Ctx) error {
	var req resume.CreateRequest
	if err := json.Unmarshal(c.Body(), &req); err != nil {
		return c.Status(fiber.StatusBadRequest).JSON(llm.ErrorResponse{Error: "invalid request body"})
	}

	res, err := s.resumes.Update(c.Context(), c.Params("id"), &req)
	if err != nil {
		return s.storeError(c, err)
	}
	return c.JSON(res)
}

func (s *Server) handleDeleteResume(c *fiber.Ctx) error {
	if err := s.resumes.Delete(c.Context(), c.Params("id")); err != nil {
		return s.storeError(c, err)
	}
	return c.SendStatus(fiber.StatusNoContent)
}

// storeError maps store errors to HTTP responses.
func (s *Server) storeError(c *fiber.Ctx, err error) error {
	var notFound resume.ErrNotFound
	var invalid *resume.ValidationError
	switch {
	case errors.As(err, &notFound):
		return c.Status(fiber.StatusNotFound).JSON(llm.ErrorResponse{Error: notFound.Error()})
	case errors.As(err, &invalid):
		return c.Status(fiber.StatusBadRequest).JSON(llm.ErrorResponse{Error: invalid.Error()})
	default:
		s.logger.Error("resume store failed", zap.Error(err))
		return c.Status(fiber.StatusInternalServerError).JSON(llm.ErrorResponse{Error: "internal error"})
	}
}
