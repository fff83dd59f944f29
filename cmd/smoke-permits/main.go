package main

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"os"
	"strings"
	"time"

	"github.com/alecthomas/kong"
	"github.com/rs/zerolog"

	"ptw.org/internal/obs"
	"ptw.org/internal/permit"
)

// cli drives the ALPHA permit lifecycle against a running ptw-api loaded
// with the demo seeds.
var cli struct {
	BaseURL            string        `help:"ptw-api base URL" default:"http://localhost:8080" env:"PTW_SMOKE_BASE_URL"`
	Site               string        `help:"site to open the permit on" default:"ALPHA" env:"PTW_SMOKE_SITE"`
	Technician         string        `help:"technician username" default:"tecnico" env:"PTW_SMOKE_TECHNICIAN"`
	TechnicianPassword string        `help:"technician password" default:"Tecnico#2024" env:"PTW_SMOKE_TECHNICIAN_PASSWORD"`
	Supervisor         string        `help:"supervisor username" default:"supervisor" env:"PTW_SMOKE_SUPERVISOR"`
	SupervisorPassword string        `help:"supervisor password" default:"Super#2024" env:"PTW_SMOKE_SUPERVISOR_PASSWORD"`
	Timeout            time.Duration `help:"overall timeout" default:"15s"`
}

type client struct {
	base string
	http *http.Client
	log  zerolog.Logger
}

func (c *client) call(ctx context.Context, method, path, token string, body, out any) (int, error) {
	var payload io.Reader
	if body != nil {
		raw, err := json.Marshal(body)
		if err != nil {
			return 0, err
		}
		payload = bytes.NewReader(raw)
	}
	req, err := http.NewRequestWithContext(ctx, method, c.base+path, payload)
	if err != nil {
		return 0, err
	}
	req.Header.Set("Content-Type", "application/json")
	if token != "" {
		req.Header.Set("Authorization", "Bearer "+token)
	}
	resp, err := c.http.Do(req)
	if err != nil {
		return 0, err
	}
	defer resp.Body.Close()
	raw, err := io.ReadAll(resp.Body)
	if err != nil {
		return resp.StatusCode, err
	}
	c.log.Debug().Str("method", method).Str("path", path).Int("status", resp.StatusCode).Msg("call")
	if out != nil && resp.StatusCode < 300 && len(raw) > 0 {
		if err := json.Unmarshal(raw, out); err != nil {
			return resp.StatusCode, fmt.Errorf("decode %s: %w", path, err)
		}
	}
	return resp.StatusCode, nil
}

func (c *client) expect(ctx context.Context, want int, method, path, token string, body, out any) error {
	got, err := c.call(ctx, method, path, token, body, out)
	if err != nil {
		return fmt.Errorf("%s %s: %w", method, path, err)
	}
	if got != want {
		return fmt.Errorf("%s %s: expected %d, got %d", method, path, want, got)
	}
	return nil
}

// login returns the session token and the user id.
func (c *client) login(ctx context.Context, username, password string) (string, string, error) {
	var out struct {
		Token                 string `json:"token"`
		RequirePasswordChange bool   `json:"requirePasswordChange"`
		User                  struct {
			ID string `json:"id"`
		} `json:"user"`
	}
	if err := c.expect(ctx, http.StatusOK, http.MethodPost, "/login", "", map[string]string{"usuario": username, "password": password}, &out); err != nil {
		return "", "", err
	}
	if out.RequirePasswordChange {
		return "", "", fmt.Errorf("login %s: password change required", username)
	}
	return out.Token, out.User.ID, nil
}

func run(ctx context.Context, c *client) error {
	if err := c.expect(ctx, http.StatusUnauthorized, http.MethodGet, "/permisos", "", nil, nil); err != nil {
		return fmt.Errorf("gate: %w", err)
	}

	tec, tecID, err := c.login(ctx, cli.Technician, cli.TechnicianPassword)
	if err != nil {
		return err
	}
	sup, _, err := c.login(ctx, cli.Supervisor, cli.SupervisorPassword)
	if err != nil {
		return err
	}

	var p permit.Permit
	err = c.expect(ctx, http.StatusCreated, http.MethodPost, "/permisos", tec, map[string]any{
		"planta":            cli.Site,
		"descripcion":       "Smoke test: inspeccion de torre",
		"tipoMantenimiento": "preventivo",
		"jefeFaenaId":       tecID,
		"personal":          []map[string]string{{"personaId": tecID, "nombre": cli.Technician}},
		"actividades":       []map[string]any{{"descripcion": "Bloqueo y etiquetado"}},
	}, &p)
	if err != nil {
		return err
	}
	if !strings.HasPrefix(p.Numero, strings.ToUpper(cli.Site)+"-") {
		return fmt.Errorf("unexpected permit number %q", p.Numero)
	}

	if err := c.expect(ctx, http.StatusOK, http.MethodPost, "/aprobar-permiso", sup, map[string]string{"permisoId": p.ID}, &p); err != nil {
		return err
	}
	now := time.Now().UTC()
	closure := map[string]any{
		"permisoId":           p.ID,
		"fechaInicioTrabajos": now.Add(-2 * time.Hour),
		"fechaFinTrabajos":    now,
	}
	if err := c.expect(ctx, http.StatusOK, http.MethodPost, "/cerrar-permiso", tec, closure, &p); err != nil {
		return err
	}
	if err := c.expect(ctx, http.StatusOK, http.MethodPost, "/aprobar-cierre-permiso", sup, map[string]string{
		"permisoId": p.ID, "accion": "rechazar", "observaciones": "smoke: faltan fotos",
	}, &p); err != nil {
		return err
	}
	if err := c.expect(ctx, http.StatusOK, http.MethodPost, "/cerrar-permiso", tec, closure, &p); err != nil {
		return err
	}
	if err := c.expect(ctx, http.StatusOK, http.MethodPost, "/aprobar-cierre-permiso", sup, map[string]string{
		"permisoId": p.ID, "accion": "aprobar",
	}, &p); err != nil {
		return err
	}
	if p.State != permit.StateClosed {
		return fmt.Errorf("permit %s ended in %s", p.Numero, p.State)
	}
	c.log.Info().Str("numero", p.Numero).Str("id", p.ID).Msg("permit lifecycle smoke test passed")
	return nil
}

func main() {
	kong.Parse(&cli, kong.Name("ptw-smoke"), kong.Description("End-to-end permit lifecycle check."))
	log := obs.Setup(true)

	ctx, cancel := context.WithTimeout(context.Background(), cli.Timeout)
	defer cancel()

	c := &client{
		base: strings.TrimRight(cli.BaseURL, "/"),
		http: &http.Client{Timeout: 5 * time.Second},
		log:  log,
	}
	if err := run(ctx, c); err != nil {
		log.Error().Err(err).Msg("smoke test failed")
		os.Exit(1)
	}
}
