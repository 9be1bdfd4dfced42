// Package router translates JSON requests into service calls and service
// results into JSON responses. It performs no socket I/O.
package router

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"runtime/debug"
	"strings"

	"go.uber.org/zap"

	"github.com/and161185/udpauth/internal/errs"
	"github.com/and161185/udpauth/internal/service"
)

// Response statuses.
const (
	StatusSuccess = "success"
	StatusError   = "error"
)

// Error codes carried in Response.Message.
const (
	CodeInvalidJSON      = "invalid_json"
	CodeActionNotFound   = "action_not_found"
	CodeMissingField     = "missing_field"
	CodeRegisterError    = "register_error"
	CodeLoginFailed      = "login_failed"
	CodeUserNotFound     = "user_not_found"
	CodeEncodingError    = "encoding_error"
	CodeInvalidToken     = "invalid_token"
	CodeRateLimited      = "rate_limited"
	CodePermissionDenied = "permission_denied"
	CodeInvalidField     = "invalid_field"
	CodeInternal         = "internal_error"
)

// Actions.
const (
	ActionRegister   = "register"
	ActionLogin      = "login"
	ActionGetInfo    = "get_info"
	ActionUpdateInfo = "update_info"
	ActionRefresh    = "refresh"
	ActionLogout     = "logout"
)

// IsAction reports whether name is a routed action.
func IsAction(name string) bool {
	switch name {
	case ActionRegister, ActionLogin, ActionGetInfo, ActionUpdateInfo, ActionRefresh, ActionLogout:
		return true
	}
	return false
}

// Request is the decoded wire request.
type Request struct {
	Action string         `json:"action"`
	Params map[string]any `json:"params"`
}

// Response is the wire response. Action is kept for logging only.
type Response struct {
	Status  string         `json:"status"`
	Message string         `json:"message,omitempty"`
	Reason  string         `json:"reason,omitempty"`
	Token   string         `json:"token,omitempty"`
	Info    map[string]any `json:"info,omitempty"`

	Action string `json:"-"`
}

// Encode marshals r. A Response always encodes.
func (r Response) Encode() []byte {
	b, err := json.Marshal(r)
	if err != nil {
		b, _ = json.Marshal(Response{Status: StatusError, Message: CodeInternal})
	}
	return b
}

// IsSuccess reports whether r carries the success status.
func (r Response) IsSuccess() bool { return r.Status == StatusSuccess }

// EncodingError is the fixed reply to a datagram that is not valid UTF-8.
func EncodingError() Response {
	return Response{Status: StatusError, Message: CodeEncodingError, Reason: CodeEncodingError}
}

func ok() Response { return Response{Status: StatusSuccess} }

func fail(code string) Response { return Response{Status: StatusError, Message: code} }

// call carries a request through its handler. User is set once the token gate passed.
type call struct {
	params map[string]any
	remote string
	token  string
	user   string
}

type route struct {
	auth     bool
	required []string
	handle   func(ctx context.Context, c *call) Response
}

// Router dispatches requests to the auth and profile services.
type Router struct {
	auth    service.AuthService
	profile service.ProfileService
	log     *zap.Logger
	routes  map[string]route
}

// New constructs a Router with injected services.
func New(auth service.AuthService, profile service.ProfileService, log *zap.Logger) *Router {
	if log == nil {
		log = zap.NewNop()
	}
	r := &Router{auth: auth, profile: profile, log: log}
	r.routes = map[string]route{
		ActionRegister:   {required: []string{"username", "password"}, handle: r.register},
		ActionLogin:      {required: []string{"username", "password"}, handle: r.login},
		ActionGetInfo:    {auth: true, required: []string{"username"}, handle: r.getInfo},
		ActionUpdateInfo: {auth: true, required: []string{"username", "info"}, handle: r.updateInfo},
		ActionRefresh:    {auth: true, handle: r.refresh},
		ActionLogout:     {auth: true, handle: r.logout},
	}
	return r
}

// Handle routes one request text. It never panics; every input yields a
// well-formed Response.
func (r *Router) Handle(ctx context.Context, text string, remote string) (resp Response) {
	defer func() {
		if rec := recover(); rec != nil {
			r.log.Error("panic",
				zap.Any("reason", rec),
				zap.ByteString("stack", debug.Stack()),
				zap.String("action", resp.Action),
			)
			resp = Response{Status: StatusError, Message: CodeInternal, Action: resp.Action}
		}
	}()

	req, err := decodeRequest(text)
	if err != nil {
		return fail(CodeInvalidJSON)
	}
	resp.Action = req.Action

	rt, found := r.routes[req.Action]
	if !found {
		return withAction(fail(CodeActionNotFound), req.Action)
	}

	c := &call{params: req.Params, remote: remote}
	if c.params == nil {
		c.params = map[string]any{}
	}

	if rt.auth {
		tok, _ := c.params["token"].(string)
		user, err := r.auth.Resolve(tok)
		if err != nil {
			return withAction(fail(CodeInvalidToken), req.Action)
		}
		c.token, c.user = tok, user
	}
	for _, k := range rt.required {
		if _, present := c.params[k]; !present {
			return withAction(fail(CodeMissingField), req.Action)
		}
	}
	return withAction(rt.handle(ctx, c), req.Action)
}

// decodeRequest parses exactly one JSON object. Numbers stay json.Number so
// integers in info fields survive storage unchanged.
func decodeRequest(text string) (Request, error) {
	var req Request
	dec := json.NewDecoder(strings.NewReader(text))
	dec.UseNumber()
	if err := dec.Decode(&req); err != nil {
		return Request{}, err
	}
	if _, err := dec.Token(); !errors.Is(err, io.EOF) {
		return Request{}, errors.New("trailing data after request")
	}
	return req, nil
}

func withAction(r Response, action string) Response {
	r.Action = action
	return r
}

func (r *Router) register(ctx context.Context, c *call) Response {
	username, uok := c.params["username"].(string)
	password, pok := c.params["password"].(string)
	if !uok || !pok {
		return fail(CodeRegisterError)
	}
	extra := make(map[string]any, len(c.params))
	for k, v := range c.params {
		if k == "username" || k == "password" {
			continue
		}
		extra[k] = v
	}
	if !r.auth.Register(ctx, username, password, extra) {
		return fail(CodeRegisterError)
	}
	return ok()
}

func (r *Router) login(ctx context.Context, c *call) Response {
	username, _ := c.params["username"].(string)
	password, _ := c.params["password"].(string)
	tok, err := r.auth.Login(ctx, username, password, c.remote)
	switch {
	case err == nil:
		resp := ok()
		resp.Token = tok
		return resp
	case errors.Is(err, errs.ErrRateLimited):
		return fail(CodeRateLimited)
	case errors.Is(err, errs.ErrUnauthorized):
		return fail(CodeLoginFailed)
	default:
		r.log.Error("login", zap.Error(err))
		return fail(CodeLoginFailed)
	}
}

func (r *Router) getInfo(ctx context.Context, c *call) Response {
	username, _ := c.params["username"].(string)
	info, err := r.profile.PublicInfo(ctx, username)
	if err != nil {
		if !errors.Is(err, errs.ErrNotFound) {
			r.log.Error("get info", zap.Error(err))
		}
		return fail(CodeUserNotFound)
	}
	resp := ok()
	resp.Info = info
	return resp
}

func (r *Router) updateInfo(ctx context.Context, c *call) Response {
	username, _ := c.params["username"].(string)
	fields, isObj := c.params["info"].(map[string]any)
	if !isObj {
		return fail(CodeInvalidField)
	}
	err := r.profile.UpdateInfo(ctx, c.user, username, fields)
	switch {
	case err == nil:
		return ok()
	case errors.Is(err, errs.ErrForbidden):
		return fail(CodePermissionDenied)
	case errors.Is(err, errs.ErrInvalidArgument):
		return fail(CodeInvalidField)
	case errors.Is(err, errs.ErrNotFound):
		return fail(CodeUserNotFound)
	default:
		r.log.Error("update info", zap.Error(err))
		return fail(CodeInternal)
	}
}

func (r *Router) refresh(_ context.Context, c *call) Response {
	if err := r.auth.Refresh(c.token); err != nil {
		return fail(CodeInvalidToken)
	}
	return ok()
}

func (r *Router) logout(_ context.Context, c *call) Response {
	if err := r.auth.Logout(c.token); err != nil {
		return fail(CodeInvalidToken)
	}
	return ok()
}
