package api

import (
	"io"
	"net/http"

	"github.com/labstack/echo/v4"
)

const maxBlueprintSize = 1 << 20

func (s *Server) listBlueprints(c echo.Context) error {
	list, err := s.svc.ListBlueprints(c.Request().Context())
	if err != nil {
		return err
	}
	return c.JSON(http.StatusOK, BlueprintsResponse{Count: len(list), Blueprints: list})
}

func (s *Server) getBlueprint(c echo.Context) error {
	bp, err := s.svc.GetBlueprint(c.Request().Context(), c.Param("id"))
	if err != nil {
		return err
	}
	return c.JSON(http.StatusOK, bp)
}

// saveBlueprint stores a blueprint document, replacing one with the same id.
func (s *Server) saveBlueprint(c echo.Context) error {
	data, err := io.ReadAll(io.LimitReader(c.Request().Body, maxBlueprintSize))
	if err != nil {
		return BadRequestError("Invalid request body", err.Error())
	}
	if len(data) == 0 {
		return BadRequestError("Invalid request body", "blueprint document is empty")
	}
	bp, err := s.svc.ImportBlueprint(c.Request().Context(), data)
	if err != nil {
		return err
	}
	return c.JSON(http.StatusCreated, bp)
}
