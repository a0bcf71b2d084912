// Package api is the HTTP façade of a node. The same listener carries the
// peer upgrade endpoint, so one port per node serves callers and the mesh.
package api

import (
	"context"
	"encoding/json"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/danmuck/taskmesh/internal/dispatch"
	"github.com/danmuck/taskmesh/internal/mesh"
	"github.com/danmuck/taskmesh/internal/observability"
	"github.com/danmuck/taskmesh/internal/supervisor"
	"github.com/gin-contrib/cors"
	"github.com/gin-gonic/gin"
	"github.com/gin-gonic/gin/binding"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

const Version = "0.1.0"

// Service is the node surface the routes drive.
type Service interface {
	NodeID() string
	Hosts() []mesh.HostRecord
	Tasks() []supervisor.TaskInstance
	Processing() []dispatch.PendingInvocation
	ProcessingTaskIDs() []string
	Conf() any
	Init(ctx context.Context, req supervisor.InitRequest) (map[string]supervisor.InitResult, error)
	Trigger(ctx context.Context, taskID string, payload json.RawMessage) (json.RawMessage, error)
	Clear(ctx context.Context) error
}

type Config struct {
	NodeID      string
	Namespace   string
	NodeName    string
	CORSOrigins []string
	// Mesh receives GET /mesh upgrade requests. Nil disables peering.
	Mesh http.Handler
}

type Server struct {
	id      string
	svc     Service
	mesh    http.Handler
	router  *gin.Engine
	started time.Time
}

// New builds the router and registers every route.
func New(cfg Config, svc Service) *Server {
	observability.RegisterMetrics()
	r := gin.New()
	r.Use(gin.Recovery())
	r.Use(observability.RequestLogger(observability.NodeLogger("api", cfg.Namespace, cfg.NodeName)))
	r.Use(observability.RequestMetricsMiddleware(cfg.NodeID))
	r.Use(cors.New(cors.Config{
		AllowOrigins: normalizeOrigins(cfg.CORSOrigins),
		AllowMethods: []string{"GET", "POST", "DELETE"},
		AllowHeaders: []string{"Origin", "Content-Type"},
		MaxAge:       12 * time.Hour,
	}))
	_ = r.SetTrustedProxies([]string{"127.0.0.1", "::1"})

	s := &Server{
		id:      cfg.NodeID,
		svc:     svc,
		mesh:    cfg.Mesh,
		router:  r,
		started: time.Now(),
	}
	s.registerRoutes()
	return s
}

func (s *Server) NodeID() string {
	return s.id
}

func (s *Server) Kind() string {
	return "taskmesh"
}

func (s *Server) HTTPRouter() *gin.Engine {
	return s.router
}

func (s *Server) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	s.router.ServeHTTP(w, r)
}

func (s *Server) registerRoutes() {
	r := s.router
	r.GET("/ping", func(c *gin.Context) {
		c.String(http.StatusOK, "pong")
	})
	r.GET("/health", func(c *gin.Context) {
		c.JSON(http.StatusOK, gin.H{
			"status":  "ok",
			"uptime":  time.Since(s.started).String(),
			"node":    s.id,
			"version": Version,
		})
	})
	r.GET("/metrics", gin.WrapH(promhttp.Handler()))

	r.GET("/hosts/list", func(c *gin.Context) {
		c.JSON(http.StatusOK, s.svc.Hosts())
	})
	r.GET("/conf", func(c *gin.Context) {
		c.JSON(http.StatusOK, s.svc.Conf())
	})

	tasks := r.Group("/tasks")
	tasks.GET("/list", func(c *gin.Context) {
		c.JSON(http.StatusOK, s.svc.Tasks())
	})
	tasks.GET("/processing", func(c *gin.Context) {
		if detail, _ := strconv.ParseBool(c.Query("detail")); detail {
			c.JSON(http.StatusOK, s.svc.Processing())
			return
		}
		c.JSON(http.StatusOK, s.svc.ProcessingTaskIDs())
	})
	tasks.POST("/init", s.handleInit)
	tasks.POST("/lb_trigger_single", s.handleTrigger)
	tasks.DELETE("/clear", func(c *gin.Context) {
		if err := s.svc.Clear(c.Request.Context()); err != nil {
			writeError(c, err)
			return
		}
		c.JSON(http.StatusOK, gin.H{"status": "ok"})
	})

	r.GET(mesh.UpgradePath, func(c *gin.Context) {
		if s.mesh == nil {
			c.JSON(http.StatusServiceUnavailable, ErrorBody{Error: "mesh disabled", Code: CodeUnavailable})
			return
		}
		if !mesh.IsUpgrade(c.Request) {
			c.JSON(http.StatusBadRequest, ErrorBody{Error: "upgrade to " + mesh.UpgradeProtocol + " required", Code: CodeUpgradeRequired})
			return
		}
		s.mesh.ServeHTTP(c.Writer, c.Request)
	})
}

func (s *Server) handleInit(c *gin.Context) {
	req, err := bindInit(c)
	if err != nil {
		writeError(c, err)
		return
	}
	results, err := s.svc.Init(c.Request.Context(), req)
	if err != nil {
		writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, results)
}

func (s *Server) handleTrigger(c *gin.Context) {
	taskID, payload, err := bindTrigger(c)
	if err != nil {
		writeError(c, err)
		return
	}
	out, err := s.svc.Trigger(c.Request.Context(), taskID, payload)
	if err != nil {
		writeError(c, err)
		return
	}
	if len(out) == 0 {
		out = json.RawMessage("null")
	}
	c.JSON(http.StatusOK, gin.H{"data": out})
}

// TriggerRequest is the JSON body of POST /tasks/lb_trigger_single.
type TriggerRequest struct {
	TaskID string          `json:"task_id"`
	Data   json.RawMessage `json:"data,omitempty"`
}

// TriggerResponse wraps the worker's response.
type TriggerResponse struct {
	Data json.RawMessage `json:"data"`
}

func bindInit(c *gin.Context) (supervisor.InitRequest, error) {
	var req supervisor.InitRequest
	if isForm(c) {
		req.BaseFolder = c.PostForm("base_folder")
		req.TaskFolder = c.PostForm("task_folder")
		if raw := strings.TrimSpace(c.PostForm("instances")); raw != "" {
			n, err := strconv.Atoi(raw)
			if err != nil {
				return req, badRequest("instances %q is not a number", raw)
			}
			req.Instances = n
		}
		if env := c.PostFormMap("env"); len(env) > 0 {
			req.Env = env
		}
	} else if err := c.ShouldBindJSON(&req); err != nil {
		return req, badRequest("decode init body: %v", err)
	}
	req.BaseFolder = strings.TrimSpace(req.BaseFolder)
	req.TaskFolder = strings.TrimSpace(req.TaskFolder)
	switch {
	case req.BaseFolder == "":
		return req, badRequest("base_folder required")
	case req.TaskFolder == "":
		return req, badRequest("task_folder required")
	case req.Instances < 0:
		return req, badRequest("instances must not be negative")
	}
	return req, nil
}

func bindTrigger(c *gin.Context) (string, json.RawMessage, error) {
	var req TriggerRequest
	if isForm(c) {
		req.TaskID = c.PostForm("task_id")
		if fields := c.PostFormMap("data"); len(fields) > 0 {
			raw, err := json.Marshal(fields)
			if err != nil {
				return "", nil, badRequest("encode data: %v", err)
			}
			req.Data = raw
		} else if raw, ok := c.GetPostForm("data"); ok {
			req.Data = formValue(raw)
		}
	} else if err := c.ShouldBindJSON(&req); err != nil {
		return "", nil, badRequest("decode trigger body: %v", err)
	}
	req.TaskID = strings.TrimSpace(req.TaskID)
	if req.TaskID == "" {
		return "", nil, badRequest("task_id required")
	}
	return req.TaskID, req.Data, nil
}

// formValue keeps a JSON form value as is and quotes anything else.
func formValue(raw string) json.RawMessage {
	if json.Valid([]byte(raw)) {
		return json.RawMessage(raw)
	}
	quoted, _ := json.Marshal(raw)
	return quoted
}

func isForm(c *gin.Context) bool {
	switch c.ContentType() {
	case binding.MIMEPOSTForm, binding.MIMEMultipartPOSTForm:
		return true
	}
	return false
}

func normalizeOrigins(origins []string) []string {
	if len(origins) == 0 {
		return []string{"http://localhost:3000"}
	}
	return origins
}
