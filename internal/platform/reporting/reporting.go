package reporting

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"sort"
	"time"

	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/labstack/echo/v4"

	"github.com/lims/lims/internal/platform/auth"
	"github.com/lims/lims/internal/platform/db"
)

// MeasureDefinition defines a reporting measure with its SQL query. Every
// measure takes an optional created_at window as $1 (from) and $2 (to).
type MeasureDefinition struct {
	ID          string   `json:"id"`
	Name        string   `json:"name"`
	Description string   `json:"description"`
	SQL         string   `json:"sql"`
	Parameters  []string `json:"parameters"`
}

// MeasureReport holds the results of evaluating a measure.
type MeasureReport struct {
	MeasureID   string                   `json:"measure_id"`
	MeasureName string                   `json:"measure_name"`
	GeneratedAt time.Time                `json:"generated_at"`
	Results     []map[string]interface{} `json:"results"`
	Parameters  map[string]string        `json:"parameters,omitempty"`
}

const window = `created_at >= COALESCE($1::timestamptz, '-infinity') AND created_at < COALESCE($2::timestamptz, 'infinity')`

var windowParams = []string{"from", "to"}

// PredefinedMeasures is the list of available laboratory measures.
var PredefinedMeasures = []MeasureDefinition{
	{
		ID:          "orders-by-status",
		Name:        "Orders by Status",
		Description: "Number of lab orders in each lifecycle status",
		SQL:         `SELECT status, COUNT(*) AS total FROM lab_order WHERE ` + window + ` GROUP BY status ORDER BY total DESC`,
		Parameters:  windowParams,
	},
	{
		ID:          "orders-by-priority",
		Name:        "Orders by Priority",
		Description: "Routine versus urgent order volume",
		SQL:         `SELECT priority, COUNT(*) AS total FROM lab_order WHERE ` + window + ` GROUP BY priority ORDER BY total DESC`,
		Parameters:  windowParams,
	},
	{
		ID:          "turnaround-time",
		Name:        "Turnaround Time",
		Description: "Average and maximum minutes from registration to verification",
		SQL: `SELECT COUNT(*) AS verified_orders,
	COALESCE(AVG(EXTRACT(EPOCH FROM verified_at - created_at) / 60), 0)::float8 AS avg_minutes,
	COALESCE(MAX(EXTRACT(EPOCH FROM verified_at - created_at) / 60), 0)::float8 AS max_minutes
FROM lab_order WHERE verified_at IS NOT NULL AND ` + window,
		Parameters: windowParams,
	},
	{
		ID:          "flag-distribution",
		Name:        "Flag Distribution",
		Description: "Count of result values per clinical flag across current results",
		SQL: `SELECT e.value->>'flag' AS flag, COUNT(*) AS total
FROM lab_order o
JOIN lab_result r ON r.id = o.current_result_id
CROSS JOIN LATERAL jsonb_each(r.results) e
WHERE o.` + window + `
GROUP BY flag ORDER BY total DESC`,
		Parameters: windowParams,
	},
	{
		ID:          "rejection-reasons",
		Name:        "Rejection Reasons",
		Description: "Sample rejections grouped by reason, including samples later recollected",
		SQL: `SELECT details->>'reason' AS reason, COUNT(*) AS total
FROM audit_log
WHERE action = 'sample_rejected'
	AND timestamp >= COALESCE($1::timestamptz, '-infinity') AND timestamp < COALESCE($2::timestamptz, 'infinity')
GROUP BY reason ORDER BY total DESC`,
		Parameters: windowParams,
	},
	{
		ID:          "daily-volume",
		Name:        "Daily Volume",
		Description: "Orders registered per day with the urgent share",
		SQL: `SELECT date_trunc('day', created_at)::date AS day, COUNT(*) AS total,
	SUM(CASE WHEN priority = 'urgent' THEN 1 ELSE 0 END) AS urgent
FROM lab_order WHERE ` + window + `
GROUP BY day ORDER BY day`,
		Parameters: windowParams,
	},
}

// FindMeasure looks up a measure by ID.
func FindMeasure(id string) *MeasureDefinition {
	for i := range PredefinedMeasures {
		if PredefinedMeasures[i].ID == id {
			return &PredefinedMeasures[i]
		}
	}
	return nil
}

// ResultRow is one test value of a finalized order, flattened for export.
type ResultRow struct {
	OrderID     string
	PatientName string
	Priority    string
	Status      string
	Test        string
	Value       string
	Unit        string
	Flag        string
	VerifiedAt  *time.Time
}

// Store runs report queries. PGStore is the production implementation.
type Store interface {
	Evaluate(ctx context.Context, m *MeasureDefinition, from, to *time.Time) ([]map[string]interface{}, error)
	FinalizedResults(ctx context.Context, from, to *time.Time) ([]ResultRow, error)
}

type PGStore struct {
	pool *pgxpool.Pool
}

func NewPGStore(pool *pgxpool.Pool) *PGStore {
	return &PGStore{pool: pool}
}

// Evaluate executes a measure's SQL on the tenant connection and returns
// the rows as maps keyed by column name.
func (s *PGStore) Evaluate(ctx context.Context, m *MeasureDefinition, from, to *time.Time) ([]map[string]interface{}, error) {
	rows, err := db.Conn(ctx, s.pool).Query(ctx, m.SQL, from, to)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	fieldDescs := rows.FieldDescriptions()
	results := []map[string]interface{}{}
	for rows.Next() {
		values, err := rows.Values()
		if err != nil {
			return nil, err
		}
		row := make(map[string]interface{}, len(fieldDescs))
		for i, fd := range fieldDescs {
			row[fd.Name] = values[i]
		}
		results = append(results, row)
	}
	return results, rows.Err()
}

type resultValue struct {
	Value string `json:"value"`
	Unit  string `json:"unit"`
	Flag  string `json:"flag"`
}

// FinalizedResults returns verified and amended orders with their current
// result, one row per order and test, ordered by registration time.
func (s *PGStore) FinalizedResults(ctx context.Context, from, to *time.Time) ([]ResultRow, error) {
	rows, err := db.Conn(ctx, s.pool).Query(ctx, `
		SELECT o.id, o.patient_name, o.priority, o.status, o.verified_at, r.results
		FROM lab_order o
		JOIN lab_result r ON r.id = o.current_result_id
		WHERE o.status IN ('verified', 'amended') AND o.`+window+`
		ORDER BY o.created_at, o.id`, from, to)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []ResultRow
	for rows.Next() {
		var (
			base ResultRow
			raw  []byte
		)
		if err := rows.Scan(&base.OrderID, &base.PatientName, &base.Priority, &base.Status, &base.VerifiedAt, &raw); err != nil {
			return nil, err
		}
		values := map[string]resultValue{}
		if err := json.Unmarshal(raw, &values); err != nil {
			return nil, fmt.Errorf("decode results of order %s: %w", base.OrderID, err)
		}
		names := make([]string, 0, len(values))
		for name := range values {
			names = append(names, name)
		}
		sort.Strings(names)
		for _, name := range names {
			row := base
			row.Test = name
			row.Value = values[name].Value
			row.Unit = values[name].Unit
			row.Flag = values[name].Flag
			out = append(out, row)
		}
	}
	return out, rows.Err()
}

// Handler provides HTTP handlers for the reporting API.
type Handler struct {
	store Store
}

func NewHandler(store Store) *Handler {
	return &Handler{store: store}
}

func (h *Handler) RegisterRoutes(api *echo.Group) {
	g := api.Group("/reports", auth.RequireCapability(auth.CapReadReports))
	g.GET("/measures", h.ListMeasures)
	g.GET("/measures/:id/evaluate", h.EvaluateMeasure)
	g.GET("/results.xlsx", h.ExportResults)
}

func (h *Handler) ListMeasures(c echo.Context) error {
	return c.JSON(http.StatusOK, PredefinedMeasures)
}

func (h *Handler) EvaluateMeasure(c echo.Context) error {
	measure := FindMeasure(c.Param("id"))
	if measure == nil {
		return echo.NewHTTPError(http.StatusNotFound, "measure not found")
	}

	from, to, params, err := parseWindow(c)
	if err != nil {
		return echo.NewHTTPError(http.StatusBadRequest, err.Error())
	}

	results, err := h.store.Evaluate(c.Request().Context(), measure, from, to)
	if err != nil {
		return echo.NewHTTPError(http.StatusInternalServerError, "query failed").SetInternal(err)
	}

	return c.JSON(http.StatusOK, MeasureReport{
		MeasureID:   measure.ID,
		MeasureName: measure.Name,
		GeneratedAt: time.Now().UTC(),
		Results:     results,
		Parameters:  params,
	})
}

func (h *Handler) ExportResults(c echo.Context) error {
	from, to, _, err := parseWindow(c)
	if err != nil {
		return echo.NewHTTPError(http.StatusBadRequest, err.Error())
	}

	rows, err := h.store.FinalizedResults(c.Request().Context(), from, to)
	if err != nil {
		return echo.NewHTTPError(http.StatusInternalServerError, "query failed").SetInternal(err)
	}

	data, err := ResultsWorkbook(rows)
	if err != nil {
		return echo.NewHTTPError(http.StatusInternalServerError, "export failed").SetInternal(err)
	}

	c.Response().Header().Set(echo.HeaderContentDisposition, `attachment; filename="results.xlsx"`)
	return c.Blob(http.StatusOK, xlsxContentType, data)
}

// parseWindow reads the optional from/to query parameters as RFC 3339
// timestamps or YYYY-MM-DD dates.
func parseWindow(c echo.Context) (from, to *time.Time, params map[string]string, err error) {
	params = map[string]string{}
	for _, name := range windowParams {
		v := c.QueryParam(name)
		if v == "" {
			continue
		}
		t, perr := parseTime(v)
		if perr != nil {
			return nil, nil, nil, fmt.Errorf("invalid %s: %q", name, v)
		}
		params[name] = v
		if name == "from" {
			from = &t
		} else {
			to = &t
		}
	}
	if from != nil && to != nil && !from.Before(*to) {
		return nil, nil, nil, errors.New("from must be before to")
	}
	return from, to, params, nil
}

func parseTime(v string) (time.Time, error) {
	if t, err := time.Parse(time.RFC3339, v); err == nil {
		return t, nil
	}
	return time.Parse("2006-01-02", v)
}
