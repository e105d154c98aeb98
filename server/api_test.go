package main

import (
	"bytes"
	"context"
	"encoding/json"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/gammadia/farmhand/api"
	"github.com/gammadia/farmhand/controller"
	"github.com/gammadia/farmhand/fleet"
	"github.com/gammadia/farmhand/provider"
	"github.com/gammadia/farmhand/provider/local"

	"github.com/aws/smithy-go"
	"github.com/gin-gonic/gin"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type readyConnector struct{}

func (readyConnector) Connect(context.Context, controller.ConnectTarget) error { return nil }

type testServer struct {
	t        *testing.T
	farm     *farm
	gateways map[string]*local.Gateway
	router   *gin.Engine
}

func newTestServer(t *testing.T, clouds ...*fleet.CloudProfile) *testServer {
	s := &testServer{t: t, gateways: map[string]*local.Gateway{}}
	discard := slog.New(slog.DiscardHandler)

	gateways := func(_ context.Context, cloud *fleet.CloudProfile) (provider.Gateway, error) {
		gateway := local.New(local.Config{Logger: discard, Regions: []string{cloud.Region, "eu-west-1"}})
		s.gateways[cloud.Name] = gateway
		return gateway, nil
	}

	config := controller.DefaultConfig()
	config.Logger = discard
	config.ConnectBackoff = 0
	config.MaxConnectBackoff = 0

	f, err := newFarm(context.Background(), clouds, gateways, readyConnector{}, config)
	require.NoError(t, err)
	s.farm = f
	s.router = newRouter(NewAPI(f, api.ServerInfo{Version: "test"}, 5*time.Second), discard)
	return s
}

func (s *testServer) do(method, path string, body any) (int, api.Response) {
	s.t.Helper()

	var buf bytes.Buffer
	if body != nil {
		require.NoError(s.t, json.NewEncoder(&buf).Encode(body))
	}
	recorder := httptest.NewRecorder()
	s.router.ServeHTTP(recorder, httptest.NewRequest(method, path, &buf))

	var res api.Response
	require.NoError(s.t, json.Unmarshal(recorder.Body.Bytes(), &res), recorder.Body.String())
	return recorder.Code, res
}

func (s *testServer) reconcile() {
	s.t.Helper()
	for _, c := range s.farm.controllers {
		require.NoError(s.t, c.Reconcile(context.Background()))
	}
}

func template(id string, labels ...string) *fleet.Template {
	return &fleet.Template{
		ID:                 id,
		AMI:                "ami-local",
		InstanceType:       "t3.micro",
		Labels:             labels,
		Mode:               fleet.Normal,
		ConnectionStrategy: fleet.PrivateIP,
		Platform:           fleet.Unix,
		Handshake:          fleet.Handshake{Kind: fleet.HandshakeSSH},
	}
}

func instances(t *testing.T, res api.Response) []controller.InstanceSnapshot {
	t.Helper()
	buf, err := json.Marshal(res.Data)
	require.NoError(t, err)
	var snapshots []controller.InstanceSnapshot
	require.NoError(t, json.Unmarshal(buf, &snapshots))
	return snapshots
}

func TestPing(t *testing.T) {
	s := newTestServer(t)

	code, res := s.do(http.MethodGet, "/ping", nil)
	assert.Equal(t, http.StatusOK, code)
	assert.True(t, res.Ok)
	assert.Equal(t, "test", res.Data.(map[string]any)["version"])
}

func TestProvision(t *testing.T) {
	s := newTestServer(t, &fleet.CloudProfile{Name: "main", Region: "us-east-1", Templates: []*fleet.Template{template("linux", "linux")}})

	code, res := s.do(http.MethodPost, "/provision", api.ProvisionRequest{Labels: []string{" linux ", "", "linux"}})
	require.Equal(t, http.StatusOK, code, res.Error)
	require.True(t, res.Ok)

	snapshots := instances(t, res)
	require.Len(t, snapshots, 1)
	assert.Equal(t, controller.StatePending, snapshots[0].State)
	assert.Equal(t, "linux", snapshots[0].Template)
	assert.Equal(t, "main", snapshots[0].Cloud)
	assert.NotEmpty(t, snapshots[0].InstanceID)
}

func TestProvisionWorkload(t *testing.T) {
	s := newTestServer(t, &fleet.CloudProfile{Name: "main", Region: "us-east-1", Templates: []*fleet.Template{template("linux", "linux")}})

	code, res := s.do(http.MethodPost, "/provision", api.ProvisionRequest{Cloud: "main", Labels: []string{"linux"}, Workload: 3})
	require.Equal(t, http.StatusOK, code, res.Error)
	assert.Len(t, instances(t, res), 3)
}

func TestProvisionFallsThroughClouds(t *testing.T) {
	full := template("linux", "linux")
	full.InstanceCap = 1
	s := newTestServer(t,
		&fleet.CloudProfile{Name: "first", Region: "us-east-1", Templates: []*fleet.Template{full}},
		&fleet.CloudProfile{Name: "second", Region: "eu-west-1", Templates: []*fleet.Template{template("linux", "linux")}},
	)

	_, res := s.do(http.MethodPost, "/provision", api.ProvisionRequest{Labels: []string{"linux"}})
	assert.Equal(t, "first", instances(t, res)[0].Cloud)

	_, res = s.do(http.MethodPost, "/provision", api.ProvisionRequest{Labels: []string{"linux"}})
	assert.Equal(t, "second", instances(t, res)[0].Cloud)
}

func TestProvisionErrors(t *testing.T) {
	limited := template("linux", "linux")
	limited.InstanceCap = 1

	tests := []struct {
		name    string
		request any
		code    int
	}{
		{"unknown cloud", api.ProvisionRequest{Cloud: "nope", Labels: []string{"linux"}}, http.StatusNotFound},
		{"no matching template", api.ProvisionRequest{Labels: []string{"windows"}}, http.StatusUnprocessableEntity},
		{"negative workload", api.ProvisionRequest{Labels: []string{"linux"}, Workload: -1}, http.StatusBadRequest},
		{"malformed request", "linux", http.StatusBadRequest},
	}

	for _, test := range tests {
		t.Run(test.name, func(t *testing.T) {
			s := newTestServer(t, &fleet.CloudProfile{Name: "main", Region: "us-east-1", Templates: []*fleet.Template{limited}})

			code, res := s.do(http.MethodPost, "/provision", test.request)
			assert.Equal(t, test.code, code)
			assert.False(t, res.Ok)
			assert.NotEmpty(t, res.Error)
		})
	}
}

func TestProvisionNoCapacity(t *testing.T) {
	limited := template("linux", "linux")
	limited.InstanceCap = 1
	s := newTestServer(t, &fleet.CloudProfile{Name: "main", Region: "us-east-1", Templates: []*fleet.Template{limited}})

	code, _ := s.do(http.MethodPost, "/provision", api.ProvisionRequest{Labels: []string{"linux"}})
	require.Equal(t, http.StatusOK, code)

	code, res := s.do(http.MethodPost, "/provision", api.ProvisionRequest{Labels: []string{"linux"}})
	assert.Equal(t, http.StatusServiceUnavailable, code)
	assert.Contains(t, res.Error, controller.ErrNoCapacity.Error())
}

func TestProvisionLaunchFailed(t *testing.T) {
	s := newTestServer(t, &fleet.CloudProfile{Name: "main", Region: "us-east-1", Templates: []*fleet.Template{template("linux", "linux")}})
	s.gateways["main"].Fail(local.OpLaunch, &smithy.GenericAPIError{Code: "InvalidParameterValue", Message: "invalid instance type"})

	code, res := s.do(http.MethodPost, "/provision", api.ProvisionRequest{Labels: []string{"linux"}})
	assert.Equal(t, http.StatusBadGateway, code)
	assert.False(t, res.Ok)
}

func TestBusyIdle(t *testing.T) {
	s := newTestServer(t, &fleet.CloudProfile{Name: "main", Region: "us-east-1", Templates: []*fleet.Template{template("linux", "linux")}})

	_, res := s.do(http.MethodPost, "/provision", api.ProvisionRequest{Labels: []string{"linux"}})
	id := instances(t, res)[0].ID

	code, _ := s.do(http.MethodPost, "/instances/"+id+"/busy", nil)
	assert.Equal(t, http.StatusConflict, code, "pending instances cannot take builds")

	s.reconcile()
	instance, ok := s.farm.instance(id)
	require.True(t, ok)
	require.Equal(t, controller.StateReady, instance.State())

	code, res = s.do(http.MethodPost, "/instances/"+id+"/busy", nil)
	assert.Equal(t, http.StatusOK, code)
	assert.True(t, res.Ok)

	code, _ = s.do(http.MethodPost, "/instances/"+id+"/busy", nil)
	assert.Equal(t, http.StatusConflict, code)

	code, _ = s.do(http.MethodPost, "/instances/"+id+"/idle", nil)
	assert.Equal(t, http.StatusOK, code)

	code, _ = s.do(http.MethodPost, "/instances/unknown/idle", nil)
	assert.Equal(t, http.StatusNotFound, code)
}

func TestProvisionWait(t *testing.T) {
	s := newTestServer(t, &fleet.CloudProfile{Name: "main", Region: "us-east-1", Templates: []*fleet.Template{template("linux", "linux")}})

	done := make(chan api.Response)
	go func() {
		_, res := s.do(http.MethodPost, "/provision", api.ProvisionRequest{Labels: []string{"linux"}, Wait: true})
		done <- res
	}()

	var res api.Response
	require.Eventually(t, func() bool {
		s.reconcile()
		select {
		case res = <-done:
			return true
		default:
			return false
		}
	}, 5*time.Second, 10*time.Millisecond)

	assert.True(t, res.Ok, res.Error)
	assert.Equal(t, controller.StateReady, instances(t, res)[0].State)
}

func TestStatus(t *testing.T) {
	s := newTestServer(t, &fleet.CloudProfile{Name: "main", Region: "us-east-1", InstanceCap: 4, Templates: []*fleet.Template{template("linux", "linux")}})
	s.do(http.MethodPost, "/provision", api.ProvisionRequest{Labels: []string{"linux"}})

	code, res := s.do(http.MethodGet, "/status", nil)
	require.Equal(t, http.StatusOK, code)

	buf, err := json.Marshal(res.Data)
	require.NoError(t, err)
	var status api.Status
	require.NoError(t, json.Unmarshal(buf, &status))

	assert.Equal(t, "test", status.Server.Version)
	require.Len(t, status.Clouds, 1)
	assert.Equal(t, "us-east-1", status.Clouds[0].Region)
	assert.Equal(t, controller.Usage{Used: 1, Cap: 4}, status.Clouds[0].Usage[""])
	assert.Len(t, status.Clouds[0].Instances, 1)
}

func TestRegionsAndImages(t *testing.T) {
	s := newTestServer(t, &fleet.CloudProfile{Name: "main", Region: "us-east-1", Templates: []*fleet.Template{template("linux", "linux")}})

	code, res := s.do(http.MethodGet, "/clouds/main/regions", nil)
	require.Equal(t, http.StatusOK, code)
	assert.ElementsMatch(t, []any{"us-east-1", "eu-west-1"}, res.Data)

	code, res = s.do(http.MethodGet, "/clouds/main/templates/linux/images", nil)
	require.Equal(t, http.StatusOK, code, res.Error)
	assert.Equal(t, "ami-local", res.Data.(map[string]any)["selected"])

	code, _ = s.do(http.MethodGet, "/clouds/main/templates/nope/images", nil)
	assert.Equal(t, http.StatusNotFound, code)

	code, _ = s.do(http.MethodGet, "/clouds/nope/regions", nil)
	assert.Equal(t, http.StatusNotFound, code)
}

func TestMetrics(t *testing.T) {
	s := newTestServer(t, &fleet.CloudProfile{Name: "main", Region: "us-east-1", Templates: []*fleet.Template{template("linux", "linux")}})

	recorder := httptest.NewRecorder()
	s.router.ServeHTTP(recorder, httptest.NewRequest(http.MethodGet, "/metrics", nil))
	assert.Equal(t, http.StatusOK, recorder.Code)
	assert.Contains(t, recorder.Body.String(), "go_goroutines")
}

func TestRecentActivity(t *testing.T) {
	activityMutex.Lock()
	activity = nil
	activityMutex.Unlock()

	events := make(chan controller.Event, maxActivity+10)
	for i := range maxActivity + 10 {
		events <- controller.EventInstanceRequested{Instance: string(rune('a' + i%26)), Template: "linux"}
	}
	events <- controller.EventInstanceRemoved{Instance: "last"}
	close(events)
	listenEvents("main", events)

	recent := recentActivity(3)
	require.Len(t, recent, 3)
	assert.Equal(t, "last", recent[0].Instance)
	assert.Equal(t, "removed", recent[0].Event)
	assert.Equal(t, "main", recent[0].Cloud)

	activityMutex.RLock()
	defer activityMutex.RUnlock()
	assert.Len(t, activity, maxActivity)
}
