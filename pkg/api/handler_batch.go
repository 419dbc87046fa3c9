package api

import (
	"net/http"

	"github.com/google/uuid"
	echo "github.com/labstack/echo/v5"
)

// createBatchHandler handles POST /api/batch_commands.
// Creates the batch and fans the command out to every target's session
// queue before answering 202; execution itself runs on the agents.
func (s *Server) createBatchHandler(c *echo.Context) error {
	// 1. Bind HTTP request
	var req CreateBatchCommandRequest
	if err := c.Bind(&req); err != nil {
		return echo.NewHTTPError(http.StatusBadRequest, err.Error())
	}

	// 2. Validate required fields
	if req.ScriptContent == "" {
		return echo.NewHTTPError(http.StatusBadRequest, "script_content is required")
	}
	if len(req.TargetVPSIDs) == 0 {
		return echo.NewHTTPError(http.StatusBadRequest, "target_vps_ids is required")
	}

	// 3. Call service
	batch, err := s.batches.Create(c.Request().Context(), currentUser(c),
		req.ScriptContent, req.WorkingDirectory, req.ExecutionAlias, req.TargetVPSIDs)
	if err != nil {
		return mapServiceError(err)
	}

	// 4. Return response
	return c.JSON(http.StatusAccepted, &CreateBatchCommandResponse{
		BatchCommandID: batch.ID,
	})
}

// getBatchHandler handles GET /api/batch_commands/:id.
func (s *Server) getBatchHandler(c *echo.Context) error {
	id, err := uuid.Parse(c.Param("id"))
	if err != nil {
		return echo.NewHTTPError(http.StatusBadRequest, "invalid batch command id")
	}

	ctx := c.Request().Context()
	batch, err := s.store.GetBatchCommand(ctx, id)
	if err != nil {
		return mapServiceError(err)
	}
	children, err := s.store.ChildrenOfBatch(ctx, id)
	if err != nil {
		return mapServiceError(err)
	}

	return c.JSON(http.StatusOK, buildBatchDetail(batch, children))
}

// terminateBatchHandler handles POST /api/batch_commands/:id/terminate.
func (s *Server) terminateBatchHandler(c *echo.Context) error {
	id, err := uuid.Parse(c.Param("id"))
	if err != nil {
		return echo.NewHTTPError(http.StatusBadRequest, "invalid batch command id")
	}

	if err := s.batches.Terminate(c.Request().Context(), id); err != nil {
		return mapServiceError(err)
	}
	return c.JSON(http.StatusOK, map[string]string{"status": "terminating"})
}

// terminateChildHandler handles POST /api/batch_commands/:bid/tasks/:cid/terminate.
func (s *Server) terminateChildHandler(c *echo.Context) error {
	batchID, err := uuid.Parse(c.Param("bid"))
	if err != nil {
		return echo.NewHTTPError(http.StatusBadRequest, "invalid batch command id")
	}
	childID, err := uuid.Parse(c.Param("cid"))
	if err != nil {
		return echo.NewHTTPError(http.StatusBadRequest, "invalid child task id")
	}

	// The child must belong to the named batch; a bare child id is not an
	// addressable resource.
	child, err := s.store.GetChildCommand(c.Request().Context(), childID)
	if err != nil {
		return mapServiceError(err)
	}
	if child.BatchCommandID != batchID {
		return echo.NewHTTPError(http.StatusNotFound, "resource not found")
	}

	if err := s.batches.TerminateChild(c.Request().Context(), childID); err != nil {
		return mapServiceError(err)
	}
	return c.JSON(http.StatusOK, map[string]string{"status": "terminating"})
}
