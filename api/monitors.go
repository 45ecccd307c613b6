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

	"github.com/gin-gonic/gin"

	model2 "github.com/gantryio/gantry/api/model"
	"github.com/gantryio/gantry/model"
)

func (a Api) CreateMonitor(c *gin.Context) {
	var req model2.CreateMonitor
	if err := c.BindJSON(&req); err != nil {
		return
	}
	if err := req.ValidateCreateMonitor(); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}

	expiresAt, err := req.ExpiryTime()
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}

	m, err := a.gantry.StartMonitoring(c.Request.Context(), req.TransferID, req.AgreementID, expiresAt)
	if err != nil {
		respondError(c, err)
		return
	}
	c.JSON(http.StatusCreated, m)
}

func (a Api) GetMonitor(c *gin.Context) {
	if e, ok := a.getEntityOfKind(c, model.KindMonitor); ok {
		c.JSON(http.StatusOK, e)
	}
}

func (a Api) GetAllMonitors(c *gin.Context) {
	criteria, err := listCriteria(c, model.KindMonitor)
	if err != nil {
		respondError(c, err)
		return
	}
	entities, err := a.gantry.QueryEntities(c.Request.Context(), criteria)
	if err != nil {
		respondError(c, err)
		return
	}
	c.JSON(http.StatusOK, entities)
}
