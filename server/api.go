package main

import (
	"context"
	"errors"
	"net/http"
	"strings"
	"time"

	"github.com/gammadia/farmhand/api"
	"github.com/gammadia/farmhand/controller"
	"github.com/gammadia/farmhand/fleet"
	"github.com/gin-gonic/gin"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/samber/lo"
)

// API serves the daemon endpoints.
type API struct {
	farm *farm
	info api.ServerInfo
	// Upper bound of a provisioning request waiting for readiness
	waitTimeout time.Duration
}

func NewAPI(farm *farm, info api.ServerInfo, waitTimeout time.Duration) *API {
	return &API{farm: farm, info: info, waitTimeout: waitTimeout}
}

func (a *API) RegisterRoutes(router *gin.Engine) {
	router.GET("/ping", a.ping)
	router.GET("/status", a.status)
	router.POST("/provision", a.provision)
	router.POST("/instances/:id/busy", a.busy)
	router.POST("/instances/:id/idle", a.idle)
	router.GET("/clouds/:cloud/regions", a.regions)
	router.GET("/clouds/:cloud/templates/:template/images", a.images)
	router.GET("/metrics", gin.WrapH(promhttp.HandlerFor(a.farm.registry, promhttp.HandlerOpts{})))
}

func (a *API) ping(c *gin.Context) {
	c.JSON(http.StatusOK, api.Response{Ok: true, Data: a.info})
}

func (a *API) status(c *gin.Context) {
	status := api.Status{
		Server: a.info,
		Clouds: lo.Map(a.farm.controllers, func(ctrl *controller.Controller, _ int) api.CloudStatus {
			return api.CloudStatus{
				Name:      ctrl.Cloud().Name,
				Region:    ctrl.Cloud().Region,
				Usage:     ctrl.Usage(),
				Instances: ctrl.Instances(),
			}
		}),
		Activity: recentActivity(50),
	}
	c.JSON(http.StatusOK, api.Response{Ok: true, Data: status})
}

func (a *API) provision(c *gin.Context) {
	var req api.ProvisionRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, api.Response{Ok: false, Error: "invalid request: " + err.Error()})
		return
	}
	if req.Workload < 0 {
		c.JSON(http.StatusBadRequest, api.Response{Ok: false, Error: "workload must not be negative"})
		return
	}
	labels := lo.Uniq(lo.Filter(lo.Map(req.Labels, func(label string, _ int) string {
		return strings.TrimSpace(label)
	}), func(label string, _ int) bool { return label != "" }))

	instances, err := a.farm.provision(c.Request.Context(), req.Cloud, labels, req.Workload)
	if err != nil {
		a.fail(c, err)
		return
	}

	if req.Wait {
		ctx, cancel := context.WithTimeout(c.Request.Context(), a.waitTimeout)
		defer cancel()
		for _, instance := range instances {
			if err := instance.Wait(ctx); err != nil {
				c.JSON(http.StatusGatewayTimeout, api.Response{Ok: false, Data: snapshots(instances), Error: err.Error()})
				return
			}
		}
	}
	c.JSON(http.StatusOK, api.Response{Ok: true, Data: snapshots(instances)})
}

func (a *API) busy(c *gin.Context) {
	instance, ok := a.farm.instance(c.Param("id"))
	if !ok {
		c.JSON(http.StatusNotFound, api.Response{Ok: false, Error: "unknown instance '" + c.Param("id") + "'"})
		return
	}
	if !instance.Acquire() {
		c.JSON(http.StatusConflict, api.Response{Ok: false, Data: instance.Snapshot(), Error: "instance is not idle"})
		return
	}
	c.JSON(http.StatusOK, api.Response{Ok: true, Data: instance.Snapshot()})
}

func (a *API) idle(c *gin.Context) {
	instance, ok := a.farm.instance(c.Param("id"))
	if !ok {
		c.JSON(http.StatusNotFound, api.Response{Ok: false, Error: "unknown instance '" + c.Param("id") + "'"})
		return
	}
	instance.Release()
	c.JSON(http.StatusOK, api.Response{Ok: true, Data: instance.Snapshot()})
}

func (a *API) regions(c *gin.Context) {
	ctrl, err := a.farm.controller(c.Param("cloud"))
	if err != nil {
		a.fail(c, err)
		return
	}
	regions, err := ctrl.Gateway().DescribeRegions(c.Request.Context())
	if err != nil {
		a.fail(c, err)
		return
	}
	c.JSON(http.StatusOK, api.Response{Ok: true, Data: regions})
}

func (a *API) images(c *gin.Context) {
	ctrl, err := a.farm.controller(c.Param("cloud"))
	if err != nil {
		a.fail(c, err)
		return
	}
	template := ctrl.Cloud().Template(c.Param("template"))
	if template == nil {
		c.JSON(http.StatusNotFound, api.Response{Ok: false, Error: "unknown template '" + c.Param("template") + "'"})
		return
	}
	query, err := template.ImageQuery()
	if err != nil {
		c.JSON(http.StatusUnprocessableEntity, api.Response{Ok: false, Error: err.Error()})
		return
	}
	images, err := ctrl.Gateway().DescribeImages(c.Request.Context(), query)
	if err != nil {
		a.fail(c, err)
		return
	}
	newest, _ := fleet.NewestImage(images)
	c.JSON(http.StatusOK, api.Response{Ok: true, Data: api.Images{Images: images, Selected: newest.ID}})
}

func (a *API) fail(c *gin.Context, err error) {
	_ = c.Error(err)
	c.JSON(errorStatus(err), api.Response{Ok: false, Error: err.Error()})
}

func errorStatus(err error) int {
	switch {
	case errors.Is(err, errUnknownCloud):
		return http.StatusNotFound
	case errors.Is(err, controller.ErrLaunchFailed):
		return http.StatusBadGateway
	case errors.Is(err, controller.ErrNoCapacity):
		return http.StatusServiceUnavailable
	case errors.Is(err, controller.ErrNoMatchingTemplate):
		return http.StatusUnprocessableEntity
	case errors.Is(err, context.Canceled), errors.Is(err, context.DeadlineExceeded):
		return http.StatusGatewayTimeout
	default:
		return http.StatusInternalServerError
	}
}

func snapshots(instances []*controller.Instance) []controller.InstanceSnapshot {
	return lo.Map(instances, func(instance *controller.Instance, _ int) controller.InstanceSnapshot {
		return instance.Snapshot()
	})
}
