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

	"github.com/gantryio/gantry"
	model2 "github.com/gantryio/gantry/api/model"
	"github.com/gantryio/gantry/model"
)

var transferCommands = map[string]bool{
	gantry.CommandTransferStart:    true,
	gantry.CommandTransferSuspend:  true,
	gantry.CommandTransferResume:   true,
	gantry.CommandTransferComplete: true,
	gantry.CommandTerminate:        true,
}

func (a Api) CreateTransfer(c *gin.Context) {
	var req model2.CreateTransfer
	if err := c.BindJSON(&req); err != nil {
		return
	}
	if err := req.ValidateCreateTransfer(); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}

	t, err := a.gantry.CreateTransfer(c.Request.Context(), req.AssetID, req.AgreementID, req.Protocol, req.CounterPartyAddress, req.DestinationType)
	if err != nil {
		respondError(c, err)
		return
	}
	c.JSON(http.StatusCreated, t)
}

func (a Api) GetTransfer(c *gin.Context) {
	if e, ok := a.getEntityOfKind(c, model.KindTransfer); ok {
		c.JSON(http.StatusOK, e)
	}
}

func (a Api) GetAllTransfers(c *gin.Context) {
	criteria, err := listCriteria(c, model.KindTransfer)
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

func (a Api) SubmitTransferCommand(c *gin.Context) {
	a.submitCommand(c, model.KindTransfer, transferCommands)
}
