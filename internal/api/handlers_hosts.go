package api

import (
	"net/http"
	"strconv"

	"github.com/labstack/echo/v4"

	"evalgo.org/gameforge/internal/errdefs"
	"evalgo.org/gameforge/internal/servers"
	"evalgo.org/gameforge/models"
)

// parseResources reads cpu, memory and disk query parameters.
func parseResources(c echo.Context) (models.Resources, error) {
	var r models.Resources
	for name, dst := range map[string]*int{"cpu": &r.CPU, "memory": &r.Memory, "disk": &r.Disk} {
		raw := c.QueryParam(name)
		if raw == "" {
			continue
		}
		n, err := strconv.Atoi(raw)
		if err != nil || n < 0 {
			return r, BadRequestError("Invalid "+name+" parameter", name+" must be a non-negative integer")
		}
		*dst = n
	}
	return r, nil
}

func (s *Server) registerHost(c echo.Context) error {
	var req servers.RegisterHostRequest
	if err := s.bind(c, &req); err != nil {
		return err
	}
	h, err := s.svc.RegisterHost(c.Request().Context(), req)
	if err != nil {
		return err
	}
	return c.JSON(http.StatusCreated, h)
}

func (s *Server) listHosts(c echo.Context) error {
	hosts, err := s.svc.ListHosts(c.Request().Context(), models.HostStatus(c.QueryParam("status")))
	if err != nil {
		return err
	}
	limit, offset := parsePagination(c)
	page := paginate(hosts, limit, offset)
	return c.JSON(http.StatusOK, HostsResponse{Count: len(page), Total: len(hosts), Hosts: page})
}

func (s *Server) getHost(c echo.Context) error {
	h, err := s.svc.GetHost(c.Request().Context(), c.Param("id"))
	if err != nil {
		return err
	}
	return c.JSON(http.StatusOK, h)
}

func (s *Server) setHostStatus(c echo.Context) error {
	var req servers.HostStatusRequest
	if err := s.bind(c, &req); err != nil {
		return err
	}
	h, err := s.svc.SetHostStatus(c.Request().Context(), c.Param("id"), req.Status)
	if err != nil {
		return err
	}
	return c.JSON(http.StatusOK, h)
}

func (s *Server) addPools(c echo.Context) error {
	var req servers.PoolRequest
	if err := s.bind(c, &req); err != nil {
		return err
	}
	res, err := s.svc.AddPools(c.Request().Context(), c.Param("id"), req)
	if err != nil {
		return err
	}
	return c.JSON(http.StatusOK, res)
}

// hostCapacity answers checkCapacity. A host that cannot fit the request is
// still a 200; the report says why.
func (s *Server) hostCapacity(c echo.Context) error {
	req, err := parseResources(c)
	if err != nil {
		return err
	}
	report, err := s.svc.Capacity(c.Request().Context(), c.Param("id"), req)
	if err != nil {
		return err
	}
	return c.JSON(http.StatusOK, report)
}

func (s *Server) placement(c echo.Context) error {
	req, err := parseResources(c)
	if err != nil {
		return err
	}
	candidate, err := s.svc.Placement(c.Request().Context(), req)
	if errdefs.IsResourceExhausted(err) {
		return c.JSON(http.StatusOK, PlacementResponse{Reason: errdefs.Reason(err)})
	}
	if err != nil {
		return err
	}
	return c.JSON(http.StatusOK, PlacementResponse{
		HostID:   &candidate.HostID,
		Score:    candidate.Score,
		Capacity: &candidate.Capacity,
	})
}

func (s *Server) releaseHost(c echo.Context) error {
	id := c.Param("id")
	rel, err := s.svc.ReleaseHost(c.Request().Context(), id)
	if err != nil {
		return err
	}
	return c.JSON(http.StatusOK, ReleaseResponse{HostID: id, IPs: rel.IPs, Ports: rel.Ports, Allocations: rel.Allocations})
}

// hostEvents takes server events pushed by a host daemon into the audit log.
func (s *Server) hostEvents(c echo.Context) error {
	var req servers.HostEventsRequest
	if err := s.bind(c, &req); err != nil {
		return err
	}
	res, err := s.svc.RecordHostEvents(c.Request().Context(), c.Param("id"), req)
	if err != nil {
		return err
	}
	return c.JSON(http.StatusOK, res)
}

// leaks runs one reconciler pass. reclaim=true releases orphans.
func (s *Server) leaks(c echo.Context) error {
	reclaim := false
	if raw := c.QueryParam("reclaim"); raw != "" {
		b, err := strconv.ParseBool(raw)
		if err != nil {
			return BadRequestError("Invalid reclaim parameter", "reclaim must be true or false")
		}
		reclaim = b
	}
	res, err := s.reconciler.RunOnce(c.Request().Context(), reclaim)
	if err != nil {
		return err
	}
	return c.JSON(http.StatusOK, res)
}
