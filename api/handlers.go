/*
Copyright 2025 Gantry Authors.

Licensed under the Apache License, Version 2.0 (the "License");
you may not use this file except in compliance with the License.
You may obtain a copy of the License at

	http://www.apache.org/licenses/LICENSE-2.0

Unless required by applicable law or agreed to in writing, software
distributed under the License is distributed on an "AS IS" BASIS,
WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
See the License for the specific language governing permissions and
limitations under the License.
*/
package api

import (
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/gin-gonic/gin"

	model2 "github.com/gantryio/gantry/api/model"
	"github.com/gantryio/gantry/database"
	"github.com/gantryio/gantry/internal/apierror"
	"github.com/gantryio/gantry/model"
)

// respondError maps typed errors onto HTTP statuses; anything untyped is
// a 500.
func respondError(c *gin.Context, err error) {
	c.JSON(apierror.MapErrorToHTTPStatus(err), gin.H{"error": err.Error()})
}

// listCriteria builds query criteria for one kind from the request's
// query string. States are numeric, comma separated.
func listCriteria(c *gin.Context, kind model.Kind) (database.QueryCriteria, error) {
	criteria := database.QueryCriteria{Kind: kind}

	if raw := c.Query("states"); raw != "" {
		for _, part := range strings.Split(raw, ",") {
			v, err := strconv.Atoi(strings.TrimSpace(part))
			if err != nil {
				return criteria, apierror.NewAPIError(apierror.ErrBadRequest, "states must be a comma-separated list of numeric states", nil)
			}
			criteria.States = append(criteria.States, model.State(v))
		}
	}
	if raw := c.Query("created_after"); raw != "" {
		t, err := time.Parse(time.RFC3339, raw)
		if err != nil {
			return criteria, apierror.NewAPIError(apierror.ErrBadRequest, "created_after must be an RFC3339 timestamp", nil)
		}
		criteria.CreatedAfter = t
	}
	if raw := c.Query("created_before"); raw != "" {
		t, err := time.Parse(time.RFC3339, raw)
		if err != nil {
			return criteria, apierror.NewAPIError(apierror.ErrBadRequest, "created_before must be an RFC3339 timestamp", nil)
		}
		criteria.CreatedBefore = t
	}

	criteria.NewestFirst = c.Query("sort") != "oldest_first"
	criteria.Limit, _ = strconv.Atoi(c.DefaultQuery("limit", "50"))
	criteria.Offset, _ = strconv.Atoi(c.DefaultQuery("offset", "0"))
	return criteria, nil
}

// getEntityOfKind fetches an entity and checks it has the expected kind
// so /transfers/:id cannot leak a negotiation.
func (a Api) getEntityOfKind(c *gin.Context, kind model.Kind) (model.Stateful, bool) {
	id, passed := c.Params.Get("id")
	if !passed {
		c.JSON(http.StatusBadRequest, gin.H{"error": "id is required. pass id in the route /:id"})
		return nil, false
	}

	e, err := a.gantry.GetEntity(c.Request.Context(), id)
	if err != nil {
		respondError(c, err)
		return nil, false
	}
	if e.Head().Kind != kind {
		c.JSON(http.StatusNotFound, gin.H{"error": "Entity with ID '" + id + "' not found"})
		return nil, false
	}
	return e, true
}

// submitCommand queues a command for the entity in the route.
func (a Api) submitCommand(c *gin.Context, kind model.Kind, allowed map[string]bool) {
	e, ok := a.getEntityOfKind(c, kind)
	if !ok {
		return
	}

	var req model2.SubmitCommand
	if err := c.BindJSON(&req); err != nil {
		return
	}
	if err := req.ValidateSubmitCommand(); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}
	if !allowed[req.CommandType] {
		c.JSON(http.StatusBadRequest, gin.H{"error": "command type '" + req.CommandType + "' is not valid for " + string(kind)})
		return
	}

	cmd := model.Command{
		CommandType: req.CommandType,
		EntityID:    e.Head().EntityID,
		Reason:      req.Reason,
		Attributes:  req.Attributes,
		SubmittedAt: time.Now(),
	}
	if err := a.gantry.SubmitCommand(c.Request.Context(), cmd); err != nil {
		respondError(c, err)
		return
	}
	c.JSON(http.StatusAccepted, gin.H{"entity_id": cmd.EntityID, "command_type": cmd.CommandType, "status": "QUEUED"})
}
