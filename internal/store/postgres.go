package store

import (
    "context"
    "database/sql"
    "encoding/json"
    "errors"
    "fmt"
    "os"
    "path/filepath"
    "sort"
    "strings"
    "time"

    "github.com/google/uuid"
    _ "github.com/jackc/pgx/v5/stdlib"

    "fleetledger/internal/model"
)

type Postgres struct {
    db *sql.DB
}

func NewPostgres(dsn string) (*Postgres, error) {
    db, err := sql.Open("pgx", dsn)
    if err != nil {
        return nil, err
    }
    if err := db.Ping(); err != nil {
        return nil, err
    }
    return &Postgres{db: db}, nil
}

// Ping checks database connectivity (readiness probe).
func (p *Postgres) Ping(ctx context.Context) error { return p.db.PingContext(ctx) }

// MigrateDir applies every .sql file in dir in lexical order (dev helper).
func (p *Postgres) MigrateDir(dir string) error {
    entries, err := os.ReadDir(dir)
    if err != nil { return err }
    names := []string{}
    for _, e := range entries {
        if !e.IsDir() && strings.HasSuffix(e.Name(), ".sql") { names = append(names, e.Name()) }
    }
    sort.Strings(names)
    for _, n := range names {
        b, err := os.ReadFile(filepath.Join(dir, n))
        if err != nil { return err }
        if _, err := p.db.Exec(string(b)); err != nil {
            return fmt.Errorf("migration %s: %w", n, err)
        }
    }
    return nil
}

// Locations

func (p *Postgres) InsertLocation(ctx context.Context, s model.LocationSample) (model.LocationSample, error) {
    if s.ID == "" { s.ID = uuid.New().String() }
    _, err := p.db.ExecContext(ctx, `INSERT INTO location_samples (id, company_id, driver_id, latitude, longitude, speed_kph, ts, is_stagnant)
        VALUES ($1,$2,$3,$4::numeric,$5::numeric,$6,$7,false)`,
        s.ID, s.CompanyID, s.DriverID, s.Latitude, s.Longitude, s.SpeedKph, s.Timestamp)
    if err != nil { return model.LocationSample{}, err }
    return s, nil
}

func (p *Postgres) RecentLocations(ctx context.Context, companyID, driverID string, limit int) ([]model.LocationSample, error) {
    if limit <= 0 || limit > 500 { limit = 100 }
    rows, err := p.db.QueryContext(ctx, `SELECT id::text, latitude::text, longitude::text, speed_kph, ts, is_stagnant
        FROM location_samples WHERE company_id=$1 AND driver_id=$2 ORDER BY ts DESC LIMIT $3`, companyID, driverID, limit)
    if err != nil { return nil, err }
    defer rows.Close()
    out := []model.LocationSample{}
    for rows.Next() {
        s := model.LocationSample{CompanyID: companyID, DriverID: driverID}
        if err := rows.Scan(&s.ID, &s.Latitude, &s.Longitude, &s.SpeedKph, &s.Timestamp, &s.IsStagnant); err != nil { return nil, err }
        out = append(out, s)
    }
    return out, rows.Err()
}

func (p *Postgres) LatestDriverLocations(ctx context.Context, companyID string) ([]model.LocationSample, error) {
    rows, err := p.db.QueryContext(ctx, `SELECT DISTINCT ON (driver_id) id::text, driver_id, latitude::text, longitude::text, speed_kph, ts, is_stagnant
        FROM location_samples WHERE company_id=$1 ORDER BY driver_id, ts DESC`, companyID)
    if err != nil { return nil, err }
    defer rows.Close()
    out := []model.LocationSample{}
    for rows.Next() {
        s := model.LocationSample{CompanyID: companyID}
        if err := rows.Scan(&s.ID, &s.DriverID, &s.Latitude, &s.Longitude, &s.SpeedKph, &s.Timestamp, &s.IsStagnant); err != nil { return nil, err }
        out = append(out, s)
    }
    return out, rows.Err()
}

func (p *Postgres) MarkLocationStagnant(ctx context.Context, companyID, sampleID string) error {
    res, err := p.db.ExecContext(ctx, `UPDATE location_samples SET is_stagnant=true WHERE company_id=$1 AND id=$2`, companyID, sampleID)
    if err != nil { return err }
    if n, _ := res.RowsAffected(); n == 0 { return ErrNotFound }
    return nil
}

// Geofences

func (p *Postgres) CreateGeofence(ctx context.Context, companyID string, in model.GeofenceInput) (model.Geofence, error) {
    gf := model.Geofence{ID: uuid.New().String(), CompanyID: companyID, Name: in.Name, Latitude: in.Latitude, Longitude: in.Longitude, RadiusMeters: in.RadiusMeters, Active: true}
    if in.Active != nil { gf.Active = *in.Active }
    _, err := p.db.ExecContext(ctx, `INSERT INTO geofences (id, company_id, name, latitude, longitude, radius_m, active)
        VALUES ($1,$2,$3,$4::numeric,$5::numeric,$6,$7)`, gf.ID, companyID, gf.Name, gf.Latitude, gf.Longitude, gf.RadiusMeters, gf.Active)
    if err != nil { return model.Geofence{}, err }
    return gf, nil
}

func (p *Postgres) GetGeofence(ctx context.Context, companyID, id string) (model.Geofence, error) {
    gf := model.Geofence{ID: id, CompanyID: companyID}
    row := p.db.QueryRowContext(ctx, `SELECT name, latitude::text, longitude::text, radius_m, active FROM geofences WHERE company_id=$1 AND id=$2`, companyID, id)
    if err := row.Scan(&gf.Name, &gf.Latitude, &gf.Longitude, &gf.RadiusMeters, &gf.Active); err != nil {
        if errors.Is(err, sql.ErrNoRows) { return model.Geofence{}, ErrNotFound }
        return model.Geofence{}, err
    }
    return gf, nil
}

func (p *Postgres) ListGeofences(ctx context.Context, companyID, cursor string, limit int) ([]model.Geofence, string, error) {
    if limit <= 0 || limit > 500 { limit = 100 }
    var rows *sql.Rows
    var err error
    if cursor != "" {
        rows, err = p.db.QueryContext(ctx, `SELECT id::text, name, latitude::text, longitude::text, radius_m, active FROM geofences WHERE company_id=$1 AND id::text > $2 ORDER BY id LIMIT $3`, companyID, cursor, limit)
    } else {
        rows, err = p.db.QueryContext(ctx, `SELECT id::text, name, latitude::text, longitude::text, radius_m, active FROM geofences WHERE company_id=$1 ORDER BY id LIMIT $2`, companyID, limit)
    }
    if err != nil { return nil, "", err }
    defer rows.Close()
    out := []model.Geofence{}
    var last string
    for rows.Next() {
        gf := model.Geofence{CompanyID: companyID}
        if err := rows.Scan(&gf.ID, &gf.Name, &gf.Latitude, &gf.Longitude, &gf.RadiusMeters, &gf.Active); err != nil { return nil, "", err }
        out = append(out, gf)
        last = gf.ID
    }
    next := ""
    if len(out) == limit { next = last }
    return out, next, rows.Err()
}

func (p *Postgres) ActiveGeofences(ctx context.Context, companyID string) ([]model.Geofence, error) {
    rows, err := p.db.QueryContext(ctx, `SELECT id::text, name, latitude::text, longitude::text, radius_m FROM geofences WHERE company_id=$1 AND active ORDER BY id`, companyID)
    if err != nil { return nil, err }
    defer rows.Close()
    out := []model.Geofence{}
    for rows.Next() {
        gf := model.Geofence{CompanyID: companyID, Active: true}
        if err := rows.Scan(&gf.ID, &gf.Name, &gf.Latitude, &gf.Longitude, &gf.RadiusMeters); err != nil { return nil, err }
        out = append(out, gf)
    }
    return out, rows.Err()
}

func (p *Postgres) PatchGeofence(ctx context.Context, companyID, id string, in model.GeofenceInput) (model.Geofence, error) {
    gf, err := p.GetGeofence(ctx, companyID, id)
    if err != nil { return model.Geofence{}, err }
    if in.Name != "" { gf.Name = in.Name }
    if in.Latitude != "" { gf.Latitude = in.Latitude }
    if in.Longitude != "" { gf.Longitude = in.Longitude }
    if in.RadiusMeters != 0 { gf.RadiusMeters = in.RadiusMeters }
    if in.Active != nil { gf.Active = *in.Active }
    _, err = p.db.ExecContext(ctx, `UPDATE geofences SET name=$1, latitude=$2::numeric, longitude=$3::numeric, radius_m=$4, active=$5 WHERE company_id=$6 AND id=$7`,
        gf.Name, gf.Latitude, gf.Longitude, gf.RadiusMeters, gf.Active, companyID, id)
    if err != nil { return model.Geofence{}, err }
    return gf, nil
}

func (p *Postgres) DeleteGeofence(ctx context.Context, companyID, id string) error {
    res, err := p.db.ExecContext(ctx, `DELETE FROM geofences WHERE company_id=$1 AND id=$2`, companyID, id)
    if err != nil { return err }
    if n, _ := res.RowsAffected(); n == 0 { return ErrNotFound }
    return nil
}

// Timesheets

// CreateTimesheet inserts a new ACTIVE timesheet. The insert runs in a
// transaction holding a per-(company,driver) advisory lock, so two
// concurrent duplicate GPS reports serialize and the loser sees the
// winner's ACTIVE row.
func (p *Postgres) CreateTimesheet(ctx context.Context, ts model.Timesheet) (model.Timesheet, error) {
    if ts.ID == "" { ts.ID = uuid.New().String() }
    ts.Status = model.TimesheetActive
    tx, err := p.db.BeginTx(ctx, nil)
    if err != nil { return model.Timesheet{}, err }
    defer func(){ _ = tx.Rollback() }()

    if _, err := tx.ExecContext(ctx, `SELECT pg_advisory_xact_lock(hashtext($1))`, ts.CompanyID+"/"+ts.DriverID); err != nil {
        return model.Timesheet{}, err
    }
    var exists bool
    err = tx.QueryRowContext(ctx, `SELECT EXISTS (SELECT 1 FROM timesheets WHERE company_id=$1 AND driver_id=$2 AND status='ACTIVE')`, ts.CompanyID, ts.DriverID).Scan(&exists)
    if err != nil { return model.Timesheet{}, err }
    if exists { return model.Timesheet{}, ErrAlreadyClockedIn }
    _, err = tx.ExecContext(ctx, `INSERT INTO timesheets (id, company_id, driver_id, depot_id, depot_name, arrival_time, arrival_lat, arrival_lon, status)
        VALUES ($1,$2,$3,$4,$5,$6,$7::numeric,$8::numeric,'ACTIVE')`,
        ts.ID, ts.CompanyID, ts.DriverID, nullIfEmpty(ts.DepotID), ts.DepotName, ts.ArrivalTime, ts.ArrivalLatitude, ts.ArrivalLongitude)
    if err != nil { return model.Timesheet{}, err }
    if err := tx.Commit(); err != nil { return model.Timesheet{}, err }
    return ts, nil
}

func scanTimesheet(row interface{ Scan(...any) error }, ts *model.Timesheet) error {
    var depotID, depName sql.NullString
    var depTime sql.NullTime
    var depLat, depLon sql.NullString
    var total sql.NullInt64
    err := row.Scan(&ts.ID, &ts.CompanyID, &ts.DriverID, &depotID, &depName, &ts.ArrivalTime, &ts.ArrivalLatitude, &ts.ArrivalLongitude, &depTime, &depLat, &depLon, &total, &ts.Status)
    if err != nil { return err }
    ts.DepotID = depotID.String
    ts.DepotName = depName.String
    if depTime.Valid { t := depTime.Time; ts.DepartureTime = &t }
    ts.DepartureLatitude = depLat.String
    ts.DepartureLongitude = depLon.String
    if total.Valid { n := int(total.Int64); ts.TotalMinutes = &n }
    return nil
}

const timesheetCols = `id::text, company_id, driver_id, depot_id::text, depot_name, arrival_time, arrival_lat::text, arrival_lon::text, departure_time, departure_lat::text, departure_lon::text, total_minutes, status`

func (p *Postgres) GetTimesheet(ctx context.Context, companyID, id string) (model.Timesheet, error) {
    var ts model.Timesheet
    row := p.db.QueryRowContext(ctx, `SELECT `+timesheetCols+` FROM timesheets WHERE company_id=$1 AND id=$2`, companyID, id)
    if err := scanTimesheet(row, &ts); err != nil {
        if errors.Is(err, sql.ErrNoRows) { return ts, ErrNotFound }
        return ts, err
    }
    return ts, nil
}

func (p *Postgres) ActiveTimesheet(ctx context.Context, companyID, driverID string) (model.Timesheet, error) {
    var ts model.Timesheet
    row := p.db.QueryRowContext(ctx, `SELECT `+timesheetCols+` FROM timesheets WHERE company_id=$1 AND driver_id=$2 AND status='ACTIVE' LIMIT 1`, companyID, driverID)
    if err := scanTimesheet(row, &ts); err != nil {
        if errors.Is(err, sql.ErrNoRows) { return ts, ErrNotFound }
        return ts, err
    }
    return ts, nil
}

func (p *Postgres) ActiveTimesheetForDepot(ctx context.Context, companyID, driverID, depotID string) (model.Timesheet, error) {
    var ts model.Timesheet
    row := p.db.QueryRowContext(ctx, `SELECT `+timesheetCols+` FROM timesheets WHERE company_id=$1 AND driver_id=$2 AND depot_id=$3 AND status='ACTIVE' LIMIT 1`, companyID, driverID, depotID)
    if err := scanTimesheet(row, &ts); err != nil {
        if errors.Is(err, sql.ErrNoRows) { return ts, ErrNotFound }
        return ts, err
    }
    return ts, nil
}

func (p *Postgres) CompleteTimesheet(ctx context.Context, companyID, id string, departure time.Time, lat, lon string, totalMinutes int) (model.Timesheet, error) {
    res, err := p.db.ExecContext(ctx, `UPDATE timesheets SET status='COMPLETED', departure_time=$1, departure_lat=$2::numeric, departure_lon=$3::numeric, total_minutes=$4
        WHERE company_id=$5 AND id=$6 AND status='ACTIVE'`,
        departure, nullIfEmpty(lat), nullIfEmpty(lon), totalMinutes, companyID, id)
    if err != nil { return model.Timesheet{}, err }
    if n, _ := res.RowsAffected(); n == 0 {
        // distinguish missing row from an already-completed one
        ts, err := p.GetTimesheet(ctx, companyID, id)
        if err != nil { return model.Timesheet{}, err }
        if ts.Status == model.TimesheetCompleted { return model.Timesheet{}, ErrAlreadyCompleted }
        return model.Timesheet{}, ErrNotFound
    }
    return p.GetTimesheet(ctx, companyID, id)
}

func (p *Postgres) ListTimesheets(ctx context.Context, companyID string, f model.TimesheetFilter) ([]model.Timesheet, string, error) {
    limit := f.Limit
    if limit <= 0 || limit > 500 { limit = 100 }
    q := `SELECT ` + timesheetCols + ` FROM timesheets WHERE company_id=$1`
    args := []any{companyID}
    idx := 2
    if f.DriverID != "" { q += ` AND driver_id=$` + fmt.Sprint(idx); args = append(args, f.DriverID); idx++ }
    if f.Status != "" { q += ` AND status=$` + fmt.Sprint(idx); args = append(args, strings.ToUpper(f.Status)); idx++ }
    if !f.From.IsZero() { q += ` AND arrival_time >= $` + fmt.Sprint(idx); args = append(args, f.From); idx++ }
    if !f.To.IsZero() { q += ` AND arrival_time <= $` + fmt.Sprint(idx); args = append(args, f.To); idx++ }
    if f.Cursor != "" { q += ` AND id::text > $` + fmt.Sprint(idx); args = append(args, f.Cursor); idx++ }
    q += ` ORDER BY id LIMIT $` + fmt.Sprint(idx)
    args = append(args, limit)
    rows, err := p.db.QueryContext(ctx, q, args...)
    if err != nil { return nil, "", err }
    defer rows.Close()
    out := []model.Timesheet{}
    var last string
    for rows.Next() {
        var ts model.Timesheet
        if err := scanTimesheet(rows, &ts); err != nil { return nil, "", err }
        out = append(out, ts)
        last = ts.ID
    }
    next := ""
    if len(out) == limit { next = last }
    return out, next, rows.Err()
}

func (p *Postgres) ListActiveTimesheets(ctx context.Context, companyID string) ([]model.Timesheet, error) {
    rows, err := p.db.QueryContext(ctx, `SELECT `+timesheetCols+` FROM timesheets WHERE company_id=$1 AND status='ACTIVE' ORDER BY id`, companyID)
    if err != nil { return nil, err }
    defer rows.Close()
    out := []model.Timesheet{}
    for rows.Next() {
        var ts model.Timesheet
        if err := scanTimesheet(rows, &ts); err != nil { return nil, err }
        out = append(out, ts)
    }
    return out, rows.Err()
}

func (p *Postgres) LastCompletedTimesheet(ctx context.Context, companyID, driverID string) (model.Timesheet, error) {
    var ts model.Timesheet
    row := p.db.QueryRowContext(ctx, `SELECT `+timesheetCols+` FROM timesheets WHERE company_id=$1 AND driver_id=$2 AND status='COMPLETED' ORDER BY departure_time DESC NULLS LAST LIMIT 1`, companyID, driverID)
    if err := scanTimesheet(row, &ts); err != nil {
        if errors.Is(err, sql.ErrNoRows) { return ts, ErrNotFound }
        return ts, err
    }
    return ts, nil
}

// Stagnation alerts

func (p *Postgres) CreateStagnationAlert(ctx context.Context, a model.StagnationAlert) (model.StagnationAlert, error) {
    if a.ID == "" { a.ID = uuid.New().String() }
    a.Status = model.AlertActive
    _, err := p.db.ExecContext(ctx, `INSERT INTO stagnation_alerts (id, company_id, driver_id, latitude, longitude, start_time, duration_minutes, status)
        VALUES ($1,$2,$3,$4::numeric,$5::numeric,$6,$7,'ACTIVE')`,
        a.ID, a.CompanyID, a.DriverID, a.Latitude, a.Longitude, a.StagnationStartTime, a.StagnationDurationMinutes)
    if err != nil { return model.StagnationAlert{}, err }
    return a, nil
}

func scanAlert(row interface{ Scan(...any) error }, a *model.StagnationAlert) error {
    var resolved sql.NullTime
    err := row.Scan(&a.ID, &a.CompanyID, &a.DriverID, &a.Latitude, &a.Longitude, &a.StagnationStartTime, &a.StagnationDurationMinutes, &a.Status, &resolved)
    if err != nil { return err }
    if resolved.Valid { t := resolved.Time; a.ResolvedAt = &t }
    return nil
}

const alertCols = `id::text, company_id, driver_id, latitude::text, longitude::text, start_time, duration_minutes, status, resolved_at`

func (p *Postgres) ActiveStagnationAlert(ctx context.Context, companyID, driverID string) (model.StagnationAlert, error) {
    var a model.StagnationAlert
    row := p.db.QueryRowContext(ctx, `SELECT `+alertCols+` FROM stagnation_alerts WHERE company_id=$1 AND driver_id=$2 AND status='ACTIVE' LIMIT 1`, companyID, driverID)
    if err := scanAlert(row, &a); err != nil {
        if errors.Is(err, sql.ErrNoRows) { return a, ErrNotFound }
        return a, err
    }
    return a, nil
}

func (p *Postgres) ResolveStagnationAlert(ctx context.Context, companyID, id string, at time.Time) (model.StagnationAlert, error) {
    _, err := p.db.ExecContext(ctx, `UPDATE stagnation_alerts SET status='RESOLVED', resolved_at=$1 WHERE company_id=$2 AND id=$3 AND status='ACTIVE'`, at, companyID, id)
    if err != nil { return model.StagnationAlert{}, err }
    var a model.StagnationAlert
    row := p.db.QueryRowContext(ctx, `SELECT `+alertCols+` FROM stagnation_alerts WHERE company_id=$1 AND id=$2`, companyID, id)
    if err := scanAlert(row, &a); err != nil {
        if errors.Is(err, sql.ErrNoRows) { return a, ErrNotFound }
        return a, err
    }
    return a, nil
}

func (p *Postgres) ListStagnationAlerts(ctx context.Context, companyID, status, cursor string, limit int) ([]model.StagnationAlert, string, error) {
    if limit <= 0 || limit > 500 { limit = 100 }
    q := `SELECT ` + alertCols + ` FROM stagnation_alerts WHERE company_id=$1`
    args := []any{companyID}
    idx := 2
    if status != "" { q += ` AND status=$` + fmt.Sprint(idx); args = append(args, strings.ToUpper(status)); idx++ }
    if cursor != "" { q += ` AND id::text > $` + fmt.Sprint(idx); args = append(args, cursor); idx++ }
    q += ` ORDER BY id LIMIT $` + fmt.Sprint(idx)
    args = append(args, limit)
    rows, err := p.db.QueryContext(ctx, q, args...)
    if err != nil { return nil, "", err }
    defer rows.Close()
    out := []model.StagnationAlert{}
    var last string
    for rows.Next() {
        var a model.StagnationAlert
        if err := scanAlert(rows, &a); err != nil { return nil, "", err }
        out = append(out, a)
        last = a.ID
    }
    next := ""
    if len(out) == limit { next = last }
    return out, next, rows.Err()
}

// Audit chain

const auditCols = `id::text, seq, company_id, COALESCE(user_id,''), action, entity, COALESCE(entity_id,''), details, COALESCE(ip_address,''), COALESCE(user_agent,''), previous_hash, current_hash, created_at`

func scanAudit(row interface{ Scan(...any) error }, e *model.AuditLogEntry) error {
    return row.Scan(&e.ID, &e.Seq, &e.CompanyID, &e.UserID, &e.Action, &e.Entity, &e.EntityID, &e.Details, &e.IPAddress, &e.UserAgent, &e.PreviousHash, &e.CurrentHash, &e.CreatedAt)
}

func (p *Postgres) LastAuditEntry(ctx context.Context, companyID string) (model.AuditLogEntry, error) {
    var e model.AuditLogEntry
    row := p.db.QueryRowContext(ctx, `SELECT `+auditCols+` FROM audit_logs WHERE company_id=$1 ORDER BY seq DESC LIMIT 1`, companyID)
    if err := scanAudit(row, &e); err != nil {
        if errors.Is(err, sql.ErrNoRows) { return e, ErrNotFound }
        return e, err
    }
    return e, nil
}

// InsertAuditEntry assigns the next per-company sequence inside a
// transaction holding a per-company advisory lock; without it two
// concurrent appends could both chain off the same previousHash.
func (p *Postgres) InsertAuditEntry(ctx context.Context, e model.AuditLogEntry) (model.AuditLogEntry, error) {
    if e.ID == "" { e.ID = uuid.New().String() }
    tx, err := p.db.BeginTx(ctx, nil)
    if err != nil { return model.AuditLogEntry{}, err }
    defer func(){ _ = tx.Rollback() }()
    if _, err := tx.ExecContext(ctx, `SELECT pg_advisory_xact_lock(hashtext($1))`, "audit/"+e.CompanyID); err != nil {
        return model.AuditLogEntry{}, err
    }
    if err := tx.QueryRowContext(ctx, `SELECT COALESCE(MAX(seq),0)+1 FROM audit_logs WHERE company_id=$1`, e.CompanyID).Scan(&e.Seq); err != nil {
        return model.AuditLogEntry{}, err
    }
    _, err = tx.ExecContext(ctx, `INSERT INTO audit_logs (id, seq, company_id, user_id, action, entity, entity_id, details, ip_address, user_agent, previous_hash, current_hash, created_at)
        VALUES ($1,$2,$3,$4,$5,$6,$7,$8,$9,$10,$11,$12,$13)`,
        e.ID, e.Seq, e.CompanyID, nullIfEmpty(e.UserID), e.Action, e.Entity, nullIfEmpty(e.EntityID), e.Details, nullIfEmpty(e.IPAddress), nullIfEmpty(e.UserAgent), e.PreviousHash, e.CurrentHash, e.CreatedAt)
    if err != nil { return model.AuditLogEntry{}, err }
    if err := tx.Commit(); err != nil { return model.AuditLogEntry{}, err }
    return e, nil
}

func (p *Postgres) ListAuditEntries(ctx context.Context, companyID string, f model.AuditFilter) ([]model.AuditLogEntry, error) {
    limit := f.Limit
    if limit <= 0 || limit > 500 { limit = 100 }
    q := `SELECT ` + auditCols + ` FROM audit_logs WHERE company_id=$1`
    args := []any{companyID}
    idx := 2
    if f.Entity != "" { q += ` AND entity=$` + fmt.Sprint(idx); args = append(args, f.Entity); idx++ }
    if f.Action != "" { q += ` AND action=$` + fmt.Sprint(idx); args = append(args, f.Action); idx++ }
    q += ` ORDER BY seq DESC LIMIT $` + fmt.Sprint(idx) + ` OFFSET $` + fmt.Sprint(idx+1)
    args = append(args, limit, f.Offset)
    rows, err := p.db.QueryContext(ctx, q, args...)
    if err != nil { return nil, err }
    defer rows.Close()
    out := []model.AuditLogEntry{}
    for rows.Next() {
        var e model.AuditLogEntry
        if err := scanAudit(rows, &e); err != nil { return nil, err }
        out = append(out, e)
    }
    return out, rows.Err()
}

func (p *Postgres) CountAuditEntries(ctx context.Context, companyID, entity, action string) (int, error) {
    q := `SELECT COUNT(*) FROM audit_logs WHERE company_id=$1`
    args := []any{companyID}
    idx := 2
    if entity != "" { q += ` AND entity=$` + fmt.Sprint(idx); args = append(args, entity); idx++ }
    if action != "" { q += ` AND action=$` + fmt.Sprint(idx); args = append(args, action); idx++ }
    var n int
    if err := p.db.QueryRowContext(ctx, q, args...).Scan(&n); err != nil { return 0, err }
    return n, nil
}

func (p *Postgres) WalkAuditChain(ctx context.Context, companyID string, limit int) ([]model.AuditLogEntry, error) {
    if limit <= 0 { limit = 10000 }
    rows, err := p.db.QueryContext(ctx, `SELECT `+auditCols+` FROM audit_logs WHERE company_id=$1 ORDER BY seq ASC LIMIT $2`, companyID, limit)
    if err != nil { return nil, err }
    defer rows.Close()
    out := []model.AuditLogEntry{}
    for rows.Next() {
        var e model.AuditLogEntry
        if err := scanAudit(rows, &e); err != nil { return nil, err }
        out = append(out, e)
    }
    return out, rows.Err()
}

// Webhook subscriptions & deliveries

func (p *Postgres) CreateSubscription(ctx context.Context, req model.SubscriptionRequest) (model.Subscription, error) {
    id := uuid.New().String()
    ev, _ := json.Marshal(req.Events)
    _, err := p.db.ExecContext(ctx, `INSERT INTO subscriptions (id, company_id, url, events, secret) VALUES ($1,$2,$3,$4,$5)`, id, req.CompanyID, req.URL, ev, req.Secret)
    if err != nil { return model.Subscription{}, err }
    return model.Subscription{ID: id, CompanyID: req.CompanyID, URL: req.URL, Events: req.Events, Secret: req.Secret}, nil
}

func (p *Postgres) GetSubscriptionsForEvent(ctx context.Context, companyID, eventType string) ([]model.Subscription, error) {
    rows, err := p.db.QueryContext(ctx, `SELECT id::text, url, secret, events FROM subscriptions WHERE company_id=$1 AND events @> $2::jsonb`, companyID, fmt.Sprintf("[%q]", eventType))
    if err != nil { return nil, err }
    defer rows.Close()
    out := []model.Subscription{}
    for rows.Next() {
        var s model.Subscription
        var events []byte
        if err := rows.Scan(&s.ID, &s.URL, &s.Secret, &events); err != nil { return nil, err }
        s.CompanyID = companyID
        _ = json.Unmarshal(events, &s.Events)
        out = append(out, s)
    }
    return out, rows.Err()
}

func (p *Postgres) ListSubscriptions(ctx context.Context, companyID, cursor string, limit int) ([]model.Subscription, string, error) {
    if limit <= 0 || limit > 500 { limit = 100 }
    var rows *sql.Rows
    var err error
    if cursor != "" {
        rows, err = p.db.QueryContext(ctx, `SELECT id::text, url, secret, events FROM subscriptions WHERE company_id=$1 AND id::text > $2 ORDER BY id LIMIT $3`, companyID, cursor, limit)
    } else {
        rows, err = p.db.QueryContext(ctx, `SELECT id::text, url, secret, events FROM subscriptions WHERE company_id=$1 ORDER BY id LIMIT $2`, companyID, limit)
    }
    if err != nil { return nil, "", err }
    defer rows.Close()
    var out []model.Subscription
    var last string
    for rows.Next() {
        var s model.Subscription
        var ev []byte
        if err := rows.Scan(&s.ID, &s.URL, &s.Secret, &ev); err != nil { return nil, "", err }
        s.CompanyID = companyID
        _ = json.Unmarshal(ev, &s.Events)
        out = append(out, s)
        last = s.ID
    }
    next := ""
    if len(out) == limit { next = last }
    return out, next, rows.Err()
}

func (p *Postgres) DeleteSubscription(ctx context.Context, companyID, id string) error {
    _, err := p.db.ExecContext(ctx, `DELETE FROM subscriptions WHERE company_id=$1 AND id=$2`, companyID, id)
    return err
}

func (p *Postgres) EnqueueWebhook(ctx context.Context, companyID, subscriptionID, eventType, url, secret string, payload []byte) (string, error) {
    id := uuid.New().String()
    _, err := p.db.ExecContext(ctx, `INSERT INTO webhook_deliveries (id, company_id, subscription_id, event_type, url, secret, payload, status, attempts, next_attempt_at)
        VALUES ($1,$2,$3,$4,$5,$6,$7,'pending',0,now())`, id, companyID, nullIfEmpty(subscriptionID), eventType, url, nullIfEmpty(secret), payload)
    if err != nil { return "", err }
    return id, nil
}

func (p *Postgres) FetchDueWebhookDeliveries(ctx context.Context, limit int) ([]WebhookDelivery, error) {
    rows, err := p.db.QueryContext(ctx, `SELECT id::text, company_id::text, COALESCE(subscription_id::text,''), event_type, url, COALESCE(secret,''), payload, status, attempts
        FROM webhook_deliveries WHERE status IN ('pending','retry') AND next_attempt_at <= now() ORDER BY next_attempt_at ASC LIMIT $1`, limit)
    if err != nil { return nil, err }
    defer rows.Close()
    out := []WebhookDelivery{}
    for rows.Next() {
        var d WebhookDelivery
        if err := rows.Scan(&d.ID, &d.CompanyID, &d.SubscriptionID, &d.EventType, &d.URL, &d.Secret, &d.Payload, &d.Status, &d.Attempts); err != nil { return nil, err }
        out = append(out, d)
    }
    return out, rows.Err()
}

func (p *Postgres) MarkWebhookDelivery(ctx context.Context, id string, success bool, nextAttemptAt *time.Time, lastError string, responseCode int, latencyMs int) error {
    if !success {
        if nextAttemptAt == nil { t := time.Now().Add(1 * time.Minute); nextAttemptAt = &t }
        _, err := p.db.ExecContext(ctx, `UPDATE webhook_deliveries SET attempts=attempts+1, status='retry', last_error=$1, next_attempt_at=$2, updated_at=now(), response_code=$4, latency_ms=$5 WHERE id=$3`,
            nullIfEmpty(lastError), *nextAttemptAt, id, responseCode, latencyMs)
        return err
    }
    _, err := p.db.ExecContext(ctx, `UPDATE webhook_deliveries SET attempts=attempts+1, status='delivered', delivered_at=now(), updated_at=now(), response_code=$2, latency_ms=$3 WHERE id=$1`, id, responseCode, latencyMs)
    return err
}

func (p *Postgres) FailWebhookDelivery(ctx context.Context, id string, lastError string, responseCode int, latencyMs int) error {
    _, err := p.db.ExecContext(ctx, `UPDATE webhook_deliveries SET status='failed', last_error=$2, updated_at=now(), response_code=$3, latency_ms=$4 WHERE id=$1`, id, nullIfEmpty(lastError), responseCode, latencyMs)
    return err
}

func (p *Postgres) ListWebhookDeliveries(ctx context.Context, companyID, status, cursor string, limit int) ([]map[string]any, string, error) {
    if limit <= 0 || limit > 500 { limit = 100 }
    q := `SELECT id::text, event_type, status, attempts, next_attempt_at, COALESCE(last_error,''), url FROM webhook_deliveries WHERE company_id=$1`
    var rows *sql.Rows
    var err error
    if status != "" {
        q += ` AND status=$2 ORDER BY id LIMIT $3`
        rows, err = p.db.QueryContext(ctx, q, companyID, status, limit)
    } else {
        q += ` ORDER BY id LIMIT $2`
        rows, err = p.db.QueryContext(ctx, q, companyID, limit)
    }
    if err != nil { return nil, "", err }
    defer rows.Close()
    out := []map[string]any{}
    var last string
    for rows.Next() {
        var id, typ, st, lastErr, url string
        var attempts int
        var nextAt sql.NullTime
        if err := rows.Scan(&id, &typ, &st, &attempts, &nextAt, &lastErr, &url); err != nil { return nil, "", err }
        item := map[string]any{"id": id, "eventType": typ, "status": st, "attempts": attempts, "url": url}
        if nextAt.Valid { item["nextAttemptAt"] = nextAt.Time }
        if lastErr != "" { item["lastError"] = lastErr }
        out = append(out, item)
        last = id
    }
    next := ""
    if len(out) == limit { next = last }
    return out, next, rows.Err()
}

func (p *Postgres) RetryWebhookDelivery(ctx context.Context, companyID, id string) error {
    _, err := p.db.ExecContext(ctx, `UPDATE webhook_deliveries SET status='pending', next_attempt_at=now() WHERE company_id=$1 AND id=$2`, companyID, id)
    return err
}

func nullIfEmpty(s string) any { if s == "" { return nil }; return s }
