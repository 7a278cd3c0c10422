package api

import (
	"net/http"
	"strconv"

	"github.com/labstack/echo/v4"

	"evalgo.org/gameforge/internal/auth"
	"evalgo.org/gameforge/internal/servers"
	"evalgo.org/gameforge/models"
)

// bind decodes the request body into req and validates it.
func (s *Server) bind(c echo.Context, req interface{}) error {
	if err := c.Bind(req); err != nil {
		return BadRequestError("Invalid request body", err.Error())
	}
	if res := s.svc.Validator().Struct(req); !res.Valid {
		return ValidationFailed(res)
	}
	return nil
}

// tenantScope is the tenant a request acts for. Admin tokens without a
// tenant may name one in the X-Tenant-ID header.
func tenantScope(c echo.Context) string {
	if tenant := auth.TenantID(c); tenant != "" {
		return tenant
	}
	if auth.IsAdmin(c) {
		return c.Request().Header.Get(auth.TenantHeader)
	}
	return ""
}

func (s *Server) createServer(c echo.Context) error {
	var req servers.CreateServerRequest
	if err := s.bind(c, &req); err != nil {
		return err
	}
	req.TenantID = tenantScope(c)
	if req.TenantID == "" {
		return BadRequestError("Missing tenant", "Set the "+auth.TenantHeader+" header")
	}
	if claims, ok := auth.GetClaims(c); ok {
		req.OwnerID = claims.Subject
	}

	srv, jobID, err := s.svc.CreateServer(c.Request().Context(), req)
	if err != nil {
		return err
	}
	return c.JSON(http.StatusAccepted, JobAccepted{JobID: jobID, ServerID: srv.ID, Server: srv})
}

func (s *Server) listServers(c echo.Context) error {
	list, err := s.svc.ListServers(c.Request().Context(), tenantScope(c), models.ServerStatus(c.QueryParam("status")))
	if err != nil {
		return err
	}
	limit, offset := parsePagination(c)
	page := paginate(list, limit, offset)
	return c.JSON(http.StatusOK, ServersResponse{Count: len(page), Total: len(list), Servers: page})
}

func (s *Server) getServer(c echo.Context) error {
	srv, err := s.svc.GetServer(c.Request().Context(), tenantScope(c), c.Param("id"))
	if err != nil {
		return err
	}
	return c.JSON(http.StatusOK, srv)
}

func (s *Server) updateServer(c echo.Context) error {
	var req servers.UpdateServerRequest
	if err := s.bind(c, &req); err != nil {
		return err
	}
	id := c.Param("id")
	jobID, err := s.svc.UpdateServer(c.Request().Context(), tenantScope(c), id, req)
	if err != nil {
		return err
	}
	return c.JSON(http.StatusAccepted, JobAccepted{JobID: jobID, ServerID: id})
}

func (s *Server) deleteServer(c echo.Context) error {
	id := c.Param("id")
	jobID, err := s.svc.DeleteServer(c.Request().Context(), tenantScope(c), id)
	if err != nil {
		return err
	}
	return c.JSON(http.StatusAccepted, JobAccepted{JobID: jobID, ServerID: id})
}

func (s *Server) powerServer(c echo.Context) error {
	var req servers.PowerRequest
	if err := s.bind(c, &req); err != nil {
		return err
	}
	id := c.Param("id")
	jobID, err := s.svc.PowerAction(c.Request().Context(), tenantScope(c), id, req.Action)
	if err != nil {
		return err
	}
	return c.JSON(http.StatusAccepted, JobAccepted{JobID: jobID, ServerID: id})
}

func (s *Server) serverAudit(c echo.Context) error {
	limit := 50
	if raw := c.QueryParam("limit"); raw != "" {
		n, err := strconv.Atoi(raw)
		if err != nil || n <= 0 {
			return BadRequestError("Invalid limit parameter", "limit must be a positive integer")
		}
		limit = n
	}
	entries, err := s.svc.Audit(c.Request().Context(), tenantScope(c), c.Param("id"), limit)
	if err != nil {
		return err
	}
	return c.JSON(http.StatusOK, AuditResponse{Count: len(entries), Entries: entries})
}

func (s *Server) jobStatus(c echo.Context) error {
	id := c.Param("id")
	progress, err := s.svc.JobProgress(c.Request().Context(), id)
	if err != nil {
		return err
	}
	return c.JSON(http.StatusOK, JobStatus{JobID: id, Progress: progress})
}

func (s *Server) deadJobs(c echo.Context) error {
	limit, _ := parsePagination(c)
	jobs, err := s.svc.DeadJobs(c.Request().Context(), limit)
	if err != nil {
		return err
	}
	return c.JSON(http.StatusOK, DeadJobsResponse{Count: len(jobs), Jobs: jobs})
}
