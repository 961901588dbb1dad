package storage

import (
	"database/sql"
	"fmt"
	"strings"
	"time"

	"github.com/lib/pq"

	"tidbyt.dev/transit/model"
)

const (
	PSQLScheduleBatchSize = 5000
)

type PSQLStorage struct {
	db *sql.DB
}

type PSQLNetworkWriter struct {
	id  string
	db  *sql.DB
	buf []*model.Schedule

	routeStops     map[[2]int64]bool
	nextScheduleID int64
}

type PSQLNetworkReader struct {
	id string
	db *sql.DB
}

// Creates a new Postgres Storage using the provided connection string.
//
// If clearDB is true, the database will be cleared on startup. You
// probably only want this for testing.
func NewPSQLStorage(connStr string, clearDB bool) (*PSQLStorage, error) {

	db, err := sql.Open("postgres", connStr)
	if err != nil {
		return nil, fmt.Errorf("failed to open db: %w", err)
	}

	if err := db.Ping(); err != nil {
		return nil, fmt.Errorf("failed to ping db: %w", err)
	}

	if clearDB {
		_, err = db.Exec(`
DROP TABLE IF EXISTS network;
DROP TABLE IF EXISTS reports;
DROP TABLE IF EXISTS tracks;
DROP TABLE IF EXISTS stops;
DROP TABLE IF EXISTS routes;
DROP TABLE IF EXISTS conditions;
DROP TABLE IF EXISTS route_stops;
DROP TABLE IF EXISTS schedules;
DROP TABLE IF EXISTS schedule_conditions;
`)
		if err != nil {
			return nil, fmt.Errorf("clearing db: %w", err)
		}
	}

	_, err = db.Exec(`
CREATE TABLE IF NOT EXISTS network (
    hash TEXT NOT NULL,
    source TEXT NOT NULL,
    format TEXT NOT NULL,
    retrieved_at TIMESTAMPTZ NOT NULL,
    timezone TEXT NOT NULL,
    max_time TEXT NOT NULL,
    PRIMARY KEY (hash, source)
);

CREATE TABLE IF NOT EXISTS reports (
    id BIGSERIAL PRIMARY KEY,
    route_id BIGINT NOT NULL,
    run INTEGER,
    type TEXT NOT NULL,
    description TEXT NOT NULL,
    lat DOUBLE PRECISION NOT NULL,
    lon DOUBLE PRECISION NOT NULL,
    image TEXT NOT NULL,
    created_at TIMESTAMPTZ NOT NULL
);
CREATE INDEX IF NOT EXISTS reports_route_id ON reports (route_id, created_at);

CREATE TABLE IF NOT EXISTS tracks (
    id BIGSERIAL PRIMARY KEY,
    route_id BIGINT NOT NULL,
    run INTEGER NOT NULL,
    lat DOUBLE PRECISION NOT NULL,
    lon DOUBLE PRECISION NOT NULL,
    created_at TIMESTAMPTZ NOT NULL
);
CREATE INDEX IF NOT EXISTS tracks_run ON tracks (route_id, run, created_at);
`)
	if err != nil {
		return nil, fmt.Errorf("creating tables: %w", err)
	}

	return &PSQLStorage{
		db: db,
	}, nil
}

func (s *PSQLStorage) Close() error {
	err := s.db.Close()
	if err != nil {
		return fmt.Errorf("failed to close db: %w", err)
	}
	return nil
}

func (s *PSQLStorage) ListNetworks(filter ListNetworksFilter) ([]*NetworkMetadata, error) {
	query := `
SELECT
    hash,
    source,
    format,
    retrieved_at,
    timezone,
    max_time
FROM network`

	conditions := []string{}
	params := []interface{}{}
	paramCount := 1

	if filter.Source != "" {
		conditions = append(conditions, fmt.Sprintf("source = $%d", paramCount))
		params = append(params, filter.Source)
		paramCount++
	}
	if filter.Hash != "" {
		conditions = append(conditions, fmt.Sprintf("hash = $%d", paramCount))
		params = append(params, filter.Hash)
		paramCount++
	}
	if len(conditions) > 0 {
		query += " WHERE " + strings.Join(conditions, " AND ")
	}

	query += " ORDER BY retrieved_at DESC"

	rows, err := s.db.Query(query, params...)
	if err != nil {
		return nil, fmt.Errorf("listing networks: %w", err)
	}
	defer rows.Close()

	networks := []*NetworkMetadata{}
	for rows.Next() {
		var n NetworkMetadata
		err := rows.Scan(
			&n.Hash,
			&n.Source,
			&n.Format,
			&n.RetrievedAt,
			&n.Timezone,
			&n.MaxTime,
		)
		if err != nil {
			return nil, fmt.Errorf("scanning network: %w", err)
		}
		n.RetrievedAt = n.RetrievedAt.UTC()
		networks = append(networks, &n)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterating networks: %w", err)
	}

	return networks, nil
}

func (s *PSQLStorage) WriteNetworkMetadata(metadata *NetworkMetadata) error {
	_, err := s.db.Exec(`
INSERT INTO network (hash, source, format, retrieved_at, timezone, max_time)
VALUES ($1, $2, $3, $4, $5, $6)
ON CONFLICT (hash, source) DO UPDATE SET
    format = EXCLUDED.format,
    retrieved_at = EXCLUDED.retrieved_at,
    timezone = EXCLUDED.timezone,
    max_time = EXCLUDED.max_time`,
		metadata.Hash,
		metadata.Source,
		metadata.Format,
		metadata.RetrievedAt.UTC(),
		metadata.Timezone,
		metadata.MaxTime,
	)
	if err != nil {
		return fmt.Errorf("writing network metadata: %w", err)
	}
	return nil
}

func (s *PSQLStorage) DeleteNetworkMetadata(source string, hash string) error {
	res, err := s.db.Exec(`DELETE FROM network WHERE source = $1 AND hash = $2`, source, hash)
	if err != nil {
		return fmt.Errorf("deleting network metadata: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("deleting network metadata: %w", err)
	}
	if n == 0 {
		return fmt.Errorf("network %s (%s): %w", hash, source, ErrNotFound)
	}
	return nil
}

func (s *PSQLStorage) GetReader(hash string) (NetworkReader, error) {
	return &PSQLNetworkReader{
		id: hash,
		db: s.db,
	}, nil
}

func (s *PSQLStorage) GetWriter(hash string) (NetworkWriter, error) {
	tables := map[string]string{
		"stops": `
CREATE TABLE IF NOT EXISTS stops (
    hash TEXT NOT NULL,
    id BIGINT NOT NULL,
    name TEXT NOT NULL,
    lat DOUBLE PRECISION NOT NULL,
    lon DOUBLE PRECISION NOT NULL,
    type TEXT NOT NULL,
    PRIMARY KEY(hash, id)
);
CREATE INDEX IF NOT EXISTS stops_lat_lon ON stops (hash, lat, lon);
`,
		"routes": `
CREATE TABLE IF NOT EXISTS routes (
    hash TEXT NOT NULL,
    id BIGINT NOT NULL,
    name TEXT NOT NULL,
    operator TEXT NOT NULL,
    type TEXT NOT NULL,
    PRIMARY KEY(hash, id)
);`,
		"conditions": `
CREATE TABLE IF NOT EXISTS conditions (
    hash TEXT NOT NULL,
    id BIGINT NOT NULL,
    name TEXT NOT NULL,
    description TEXT NOT NULL,
    weekdays INTEGER NOT NULL,
    PRIMARY KEY(hash, id)
);`,
		"route_stops": `
CREATE TABLE IF NOT EXISTS route_stops (
    hash TEXT NOT NULL,
    id BIGINT NOT NULL,
    route_id BIGINT NOT NULL,
    stop_id BIGINT NOT NULL,
    PRIMARY KEY(hash, id)
);`,
		"schedules": `
CREATE TABLE IF NOT EXISTS schedules (
    hash TEXT NOT NULL,
    id BIGINT NOT NULL,
    route_id BIGINT NOT NULL,
    stop_id BIGINT NOT NULL,
    run INTEGER NOT NULL,
    sequence INTEGER NOT NULL,
    destination TEXT NOT NULL,
    time TEXT NOT NULL,
    ref TEXT NOT NULL,
    PRIMARY KEY(hash, id)
);
CREATE INDEX IF NOT EXISTS schedules_stop_time ON schedules (hash, stop_id, time);
CREATE INDEX IF NOT EXISTS schedules_run ON schedules (hash, route_id, run, sequence);
CREATE INDEX IF NOT EXISTS schedules_ref ON schedules (hash, ref);
`,
		"schedule_conditions": `
CREATE TABLE IF NOT EXISTS schedule_conditions (
    hash TEXT NOT NULL,
    schedule_id BIGINT NOT NULL,
    condition_id BIGINT NOT NULL,
    PRIMARY KEY(hash, schedule_id, condition_id)
);`,
	}

	// Create tables if they don't exist
	for name, query := range tables {
		_, err := s.db.Exec(query)
		if err != nil {
			return nil, fmt.Errorf("creating %s table: %w", name, err)
		}
	}

	// In case network already exists, delete all records
	for name := range tables {
		_, err := s.db.Exec(`DELETE FROM `+name+` WHERE hash = $1`, hash)
		if err != nil {
			return nil, fmt.Errorf("deleting %s records: %w", name, err)
		}
	}

	return &PSQLNetworkWriter{
		id:         hash,
		db:         s.db,
		routeStops: map[[2]int64]bool{},
	}, nil
}

func (s *PSQLStorage) WriteReport(report *model.Report) error {
	if report.CreatedAt.IsZero() {
		report.CreatedAt = time.Now().UTC()
	}

	var run sql.NullInt64
	if report.Run != nil {
		run = sql.NullInt64{Int64: int64(*report.Run), Valid: true}
	}

	err := s.db.QueryRow(`
INSERT INTO reports (route_id, run, type, description, lat, lon, image, created_at)
VALUES ($1, $2, $3, $4, $5, $6, $7, $8)
RETURNING id`,
		report.RouteID,
		run,
		string(report.Type),
		report.Description,
		report.Lat,
		report.Lon,
		report.Image,
		report.CreatedAt.UTC(),
	).Scan(&report.ID)
	if err != nil {
		return fmt.Errorf("inserting report: %w", err)
	}
	return nil
}

// Splits run keys into parallel arrays, for use with unnest().
func runArrays(runs []model.RunKey) (pq.Int64Array, pq.Int64Array) {
	routeIDs := pq.Int64Array{}
	runNums := pq.Int64Array{}
	for _, key := range uniqueRunKeys(runs) {
		routeIDs = append(routeIDs, key.RouteID)
		runNums = append(runNums, int64(key.Run))
	}
	return routeIDs, runNums
}

func (s *PSQLStorage) ListReports(filter ReportFilter) ([]*model.Report, error) {
	query := `
SELECT id, route_id, run, type, description, lat, lon, image, created_at
FROM reports`

	conditions := []string{}
	params := []interface{}{}
	if len(filter.RouteIDs) > 0 {
		params = append(params, pq.Array(filter.RouteIDs))
		conditions = append(conditions, fmt.Sprintf("route_id = ANY($%d)", len(params)))
	}
	if filter.Runs != nil {
		routeIDs, runNums := runArrays(filter.Runs)
		params = append(params, routeIDs, runNums)
		conditions = append(conditions, fmt.Sprintf(
			"(run IS NULL OR (route_id, run) IN (SELECT * FROM unnest($%d::bigint[], $%d::bigint[])))",
			len(params)-1, len(params),
		))
	}
	if !filter.Since.IsZero() {
		params = append(params, filter.Since.UTC())
		conditions = append(conditions, fmt.Sprintf("created_at >= $%d", len(params)))
	}
	if len(conditions) > 0 {
		query += " WHERE " + strings.Join(conditions, " AND ")
	}
	query += " ORDER BY created_at, id"

	rows, err := s.db.Query(query, params...)
	if err != nil {
		return nil, fmt.Errorf("querying reports: %w", err)
	}
	defer rows.Close()

	reports := []*model.Report{}
	for rows.Next() {
		r := &model.Report{}
		var run sql.NullInt64
		var reportType string
		err := rows.Scan(
			&r.ID,
			&r.RouteID,
			&run,
			&reportType,
			&r.Description,
			&r.Lat,
			&r.Lon,
			&r.Image,
			&r.CreatedAt,
		)
		if err != nil {
			return nil, fmt.Errorf("scanning report: %w", err)
		}
		if run.Valid {
			v := int(run.Int64)
			r.Run = &v
		}
		r.Type = model.ReportType(reportType)
		r.CreatedAt = r.CreatedAt.UTC()
		reports = append(reports, r)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterating reports: %w", err)
	}

	return reports, nil
}

func (s *PSQLStorage) DeleteReport(id int64) error {
	res, err := s.db.Exec(`DELETE FROM reports WHERE id = $1`, id)
	if err != nil {
		return fmt.Errorf("deleting report: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("deleting report: %w", err)
	}
	if n == 0 {
		return fmt.Errorf("report %d: %w", id, ErrNotFound)
	}
	return nil
}

func (s *PSQLStorage) WriteTrack(track *model.Track) error {
	if track.CreatedAt.IsZero() {
		track.CreatedAt = time.Now().UTC()
	}

	err := s.db.QueryRow(`
INSERT INTO tracks (route_id, run, lat, lon, created_at)
VALUES ($1, $2, $3, $4, $5)
RETURNING id`,
		track.RouteID,
		track.Run,
		track.Lat,
		track.Lon,
		track.CreatedAt.UTC(),
	).Scan(&track.ID)
	if err != nil {
		return fmt.Errorf("inserting track: %w", err)
	}
	return nil
}

func (s *PSQLStorage) ListTracks(filter TrackFilter) ([]*model.Track, error) {
	query := `
SELECT id, route_id, run, lat, lon, created_at
FROM tracks`

	conditions := []string{}
	params := []interface{}{}
	if filter.Runs != nil {
		routeIDs, runNums := runArrays(filter.Runs)
		if len(routeIDs) == 0 {
			return []*model.Track{}, nil
		}
		params = append(params, routeIDs, runNums)
		conditions = append(conditions, fmt.Sprintf(
			"(route_id, run) IN (SELECT * FROM unnest($%d::bigint[], $%d::bigint[]))",
			len(params)-1, len(params),
		))
	}
	if !filter.Since.IsZero() {
		params = append(params, filter.Since.UTC())
		conditions = append(conditions, fmt.Sprintf("created_at >= $%d", len(params)))
	}
	if len(conditions) > 0 {
		query += " WHERE " + strings.Join(conditions, " AND ")
	}
	query += " ORDER BY created_at, id"

	rows, err := s.db.Query(query, params...)
	if err != nil {
		return nil, fmt.Errorf("querying tracks: %w", err)
	}
	defer rows.Close()

	tracks := []*model.Track{}
	for rows.Next() {
		t := &model.Track{}
		err := rows.Scan(&t.ID, &t.RouteID, &t.Run, &t.Lat, &t.Lon, &t.CreatedAt)
		if err != nil {
			return nil, fmt.Errorf("scanning track: %w", err)
		}
		t.CreatedAt = t.CreatedAt.UTC()
		tracks = append(tracks, t)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterating tracks: %w", err)
	}

	return tracks, nil
}

func (s *PSQLStorage) DeleteTracks(before time.Time) (int, error) {
	res, err := s.db.Exec(`DELETE FROM tracks WHERE created_at < $1`, before.UTC())
	if err != nil {
		return 0, fmt.Errorf("deleting tracks: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return 0, fmt.Errorf("deleting tracks: %w", err)
	}
	return int(n), nil
}

func (w *PSQLNetworkWriter) WriteStop(stop *model.Stop) error {
	_, err := w.db.Exec(`
INSERT INTO stops (hash, id, name, lat, lon, type)
VALUES ($1, $2, $3, $4, $5, $6)`,
		w.id,
		stop.ID,
		stop.Name,
		stop.Lat,
		stop.Lon,
		string(stop.Type),
	)
	if err != nil {
		return fmt.Errorf("inserting stop: %w", err)
	}
	return nil
}

func (w *PSQLNetworkWriter) WriteRoute(route *model.Route) error {
	_, err := w.db.Exec(`
INSERT INTO routes (hash, id, name, operator, type)
VALUES ($1, $2, $3, $4, $5)`,
		w.id,
		route.ID,
		route.Name,
		route.Operator,
		string(route.Type),
	)
	if err != nil {
		return fmt.Errorf("inserting route: %w", err)
	}
	return nil
}

func (w *PSQLNetworkWriter) WriteCondition(cond *model.Condition) error {
	_, err := w.db.Exec(`
INSERT INTO conditions (hash, id, name, description, weekdays)
VALUES ($1, $2, $3, $4, $5)`,
		w.id,
		cond.ID,
		cond.Name,
		cond.Description,
		int(cond.Weekdays),
	)
	if err != nil {
		return fmt.Errorf("inserting condition: %w", err)
	}
	return nil
}

func (w *PSQLNetworkWriter) BeginSchedules() error {
	return nil
}

func (w *PSQLNetworkWriter) WriteSchedule(schedule *model.Schedule) error {
	if schedule.ID == 0 {
		w.nextScheduleID++
		schedule.ID = w.nextScheduleID
	} else if schedule.ID > w.nextScheduleID {
		w.nextScheduleID = schedule.ID
	}

	w.buf = append(w.buf, schedule)

	if len(w.buf) >= PSQLScheduleBatchSize {
		err := w.flushSchedules()
		if err != nil {
			return fmt.Errorf("flushing schedules: %w", err)
		}
	}

	return nil
}

func (w *PSQLNetworkWriter) EndSchedules() error {
	if len(w.buf) > 0 {
		err := w.flushSchedules()
		if err != nil {
			return fmt.Errorf("flushing schedules: %w", err)
		}
	}
	return nil
}

func (w *PSQLNetworkWriter) flushSchedules() error {
	tx, err := w.db.Begin()
	if err != nil {
		return fmt.Errorf("starting transaction: %w", err)
	}
	defer tx.Rollback()

	stmt, err := tx.Prepare(pq.CopyIn(
		"schedules", "hash", "id", "route_id", "stop_id", "run", "sequence", "destination", "time", "ref",
	))
	if err != nil {
		return fmt.Errorf("preparing statement: %w", err)
	}

	newRouteStops := [][2]int64{}
	links := [][2]int64{}
	for _, s := range w.buf {
		_, err = stmt.Exec(
			w.id,
			s.ID,
			s.RouteID,
			s.StopID,
			s.Run,
			s.Sequence,
			s.Destination,
			s.Time,
			s.Ref,
		)
		if err != nil {
			stmt.Close()
			return fmt.Errorf("COPY schedule: %w", err)
		}

		key := [2]int64{s.RouteID, s.StopID}
		if !w.routeStops[key] {
			w.routeStops[key] = true
			newRouteStops = append(newRouteStops, key)
		}
		for _, condID := range s.ConditionIDs {
			links = append(links, [2]int64{s.ID, condID})
		}
	}

	_, err = stmt.Exec()
	if err != nil {
		stmt.Close()
		return fmt.Errorf("executing statement: %w", err)
	}
	stmt.Close()

	if len(newRouteStops) > 0 {
		stmt, err = tx.Prepare(pq.CopyIn("route_stops", "hash", "id", "route_id", "stop_id"))
		if err != nil {
			return fmt.Errorf("preparing statement: %w", err)
		}
		base := int64(len(w.routeStops) - len(newRouteStops))
		for i, key := range newRouteStops {
			_, err = stmt.Exec(w.id, base+int64(i)+1, key[0], key[1])
			if err != nil {
				stmt.Close()
				return fmt.Errorf("COPY route_stop: %w", err)
			}
		}
		if _, err = stmt.Exec(); err != nil {
			stmt.Close()
			return fmt.Errorf("executing statement: %w", err)
		}
		stmt.Close()
	}

	if len(links) > 0 {
		stmt, err = tx.Prepare(pq.CopyIn("schedule_conditions", "hash", "schedule_id", "condition_id"))
		if err != nil {
			return fmt.Errorf("preparing statement: %w", err)
		}
		for _, link := range links {
			_, err = stmt.Exec(w.id, link[0], link[1])
			if err != nil {
				stmt.Close()
				return fmt.Errorf("COPY schedule_condition: %w", err)
			}
		}
		if _, err = stmt.Exec(); err != nil {
			stmt.Close()
			return fmt.Errorf("executing statement: %w", err)
		}
		stmt.Close()
	}

	err = tx.Commit()
	if err != nil {
		return fmt.Errorf("committing: %w", err)
	}

	w.buf = nil

	return nil
}

func (w *PSQLNetworkWriter) Close() error {
	return w.EndSchedules()
}

func (r *PSQLNetworkReader) queryStops(query string, params ...interface{}) ([]*model.Stop, error) {
	rows, err := r.db.Query(query, params...)
	if err != nil {
		return nil, fmt.Errorf("querying stops: %w", err)
	}
	defer rows.Close()

	stops := []*model.Stop{}
	for rows.Next() {
		stop, err := scanStop(rows)
		if err != nil {
			return nil, fmt.Errorf("scanning stop: %w", err)
		}
		stops = append(stops, stop)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterating stops: %w", err)
	}
	return stops, nil
}

func (r *PSQLNetworkReader) queryRoutes(query string, params ...interface{}) ([]*model.Route, error) {
	rows, err := r.db.Query(query, params...)
	if err != nil {
		return nil, fmt.Errorf("querying routes: %w", err)
	}
	defer rows.Close()

	routes := []*model.Route{}
	for rows.Next() {
		route, err := scanRoute(rows)
		if err != nil {
			return nil, fmt.Errorf("scanning route: %w", err)
		}
		routes = append(routes, route)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterating routes: %w", err)
	}
	return routes, nil
}

func (r *PSQLNetworkReader) Stops() ([]*model.Stop, error) {
	return r.queryStops(`SELECT id, name, lat, lon, type FROM stops WHERE hash = $1 ORDER BY id`, r.id)
}

func (r *PSQLNetworkReader) Routes() ([]*model.Route, error) {
	return r.queryRoutes(`SELECT id, name, operator, type FROM routes WHERE hash = $1 ORDER BY id`, r.id)
}

func (r *PSQLNetworkReader) RouteStops() ([]*model.RouteStop, error) {
	rows, err := r.db.Query(`SELECT id, route_id, stop_id FROM route_stops WHERE hash = $1 ORDER BY id`, r.id)
	if err != nil {
		return nil, fmt.Errorf("querying route stops: %w", err)
	}
	defer rows.Close()

	routeStops := []*model.RouteStop{}
	for rows.Next() {
		rs := &model.RouteStop{}
		err := rows.Scan(&rs.ID, &rs.RouteID, &rs.StopID)
		if err != nil {
			return nil, fmt.Errorf("scanning route stop: %w", err)
		}
		routeStops = append(routeStops, rs)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterating route stops: %w", err)
	}
	return routeStops, nil
}

func (r *PSQLNetworkReader) Conditions() ([]*model.Condition, error) {
	rows, err := r.db.Query(`SELECT id, name, description, weekdays FROM conditions WHERE hash = $1 ORDER BY id`, r.id)
	if err != nil {
		return nil, fmt.Errorf("querying conditions: %w", err)
	}
	defer rows.Close()

	conds := []*model.Condition{}
	for rows.Next() {
		c := &model.Condition{}
		var weekdays int
		err := rows.Scan(&c.ID, &c.Name, &c.Description, &weekdays)
		if err != nil {
			return nil, fmt.Errorf("scanning condition: %w", err)
		}
		c.Weekdays = model.Weekdays(weekdays)
		conds = append(conds, c)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterating conditions: %w", err)
	}
	return conds, nil
}

func (r *PSQLNetworkReader) Stop(id int64) (*model.Stop, error) {
	stop, err := scanStop(r.db.QueryRow(`SELECT id, name, lat, lon, type FROM stops WHERE hash = $1 AND id = $2`, r.id, id))
	if err == sql.ErrNoRows {
		return nil, fmt.Errorf("stop %d: %w", id, ErrNotFound)
	}
	if err != nil {
		return nil, fmt.Errorf("querying stop: %w", err)
	}
	return stop, nil
}

func (r *PSQLNetworkReader) Route(id int64) (*model.Route, error) {
	route, err := scanRoute(r.db.QueryRow(`SELECT id, name, operator, type FROM routes WHERE hash = $1 AND id = $2`, r.id, id))
	if err == sql.ErrNoRows {
		return nil, fmt.Errorf("route %d: %w", id, ErrNotFound)
	}
	if err != nil {
		return nil, fmt.Errorf("querying route: %w", err)
	}
	return route, nil
}

func (r *PSQLNetworkReader) StopsWithin(lat float64, lon float64, radius float64) ([]StopDistance, error) {
	minLat, minLon, maxLat, maxLon := boundingBox(lat, lon, radius)

	stops, err := r.queryStops(`
SELECT id, name, lat, lon, type FROM stops
WHERE hash = $1 AND lat BETWEEN $2 AND $3 AND lon BETWEEN $4 AND $5`,
		r.id, minLat, maxLat, minLon, maxLon,
	)
	if err != nil {
		return nil, err
	}

	result := []StopDistance{}
	for _, stop := range stops {
		dist := DistanceMeters(lat, lon, stop.Lat, stop.Lon)
		if dist <= radius {
			result = append(result, StopDistance{Stop: stop, Distance: dist})
		}
	}

	sortStopDistances(result)
	return result, nil
}

func (r *PSQLNetworkReader) Schedules(filter ScheduleFilter) ([]*model.Schedule, error) {
	query := `
SELECT
    s.id,
    s.route_id,
    s.stop_id,
    s.run,
    s.sequence,
    s.destination,
    s.time,
    s.ref,
    array_agg(sc.condition_id ORDER BY sc.condition_id) FILTER (WHERE sc.condition_id IS NOT NULL)
FROM schedules s
LEFT JOIN schedule_conditions sc ON sc.hash = s.hash AND sc.schedule_id = s.id
WHERE s.hash = $1`

	params := []interface{}{r.id}
	if filter.RouteID != 0 {
		params = append(params, filter.RouteID)
		query += fmt.Sprintf(" AND s.route_id = $%d", len(params))
	}
	if filter.StopID != 0 {
		params = append(params, filter.StopID)
		query += fmt.Sprintf(" AND s.stop_id = $%d", len(params))
	}
	if filter.Destination != "" {
		params = append(params, filter.Destination)
		query += fmt.Sprintf(" AND s.destination = $%d", len(params))
	}
	query += `
GROUP BY s.id, s.route_id, s.stop_id, s.run, s.sequence, s.destination, s.time, s.ref
ORDER BY s.route_id, s.run, s.sequence, s.id`

	rows, err := r.db.Query(query, params...)
	if err != nil {
		return nil, fmt.Errorf("querying schedules: %w", err)
	}
	defer rows.Close()

	schedules := []*model.Schedule{}
	for rows.Next() {
		s := &model.Schedule{}
		var condIDs pq.Int64Array
		err := rows.Scan(
			&s.ID,
			&s.RouteID,
			&s.StopID,
			&s.Run,
			&s.Sequence,
			&s.Destination,
			&s.Time,
			&s.Ref,
			&condIDs,
		)
		if err != nil {
			return nil, fmt.Errorf("scanning schedule: %w", err)
		}
		if len(condIDs) > 0 {
			s.ConditionIDs = []int64(condIDs)
		}
		schedules = append(schedules, s)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterating schedules: %w", err)
	}

	return schedules, nil
}

func (r *PSQLNetworkReader) LegEvents(filter LegEventFilter) ([]*LegEvent, error) {
	if len(filter.StopIDs) == 0 {
		return []*LegEvent{}, nil
	}

	query := `
SELECT
    d.id,
    d.run,
    d.destination,
    d.sequence,
    d.time,
    a.id,
    a.sequence,
    a.time,
    r.id,
    r.name,
    r.operator,
    r.type,
    ds.id,
    ds.name,
    ds.lat,
    ds.lon,
    ds.type,
    ast.id,
    ast.name,
    ast.lat,
    ast.lon,
    ast.type
FROM schedules d
INNER JOIN schedules a ON
    a.hash = d.hash AND
    a.route_id = d.route_id AND
    a.run = d.run AND
    a.destination = d.destination AND
    a.sequence > d.sequence
INNER JOIN routes r ON r.hash = d.hash AND r.id = d.route_id
INNER JOIN stops ds ON ds.hash = d.hash AND ds.id = d.stop_id
INNER JOIN stops ast ON ast.hash = d.hash AND ast.id = a.stop_id
WHERE d.hash = $1 AND d.stop_id = ANY($2)`

	params := []interface{}{r.id, pq.Array(filter.StopIDs)}
	if filter.DepartureStart != "" {
		params = append(params, filter.DepartureStart)
		query += fmt.Sprintf(" AND d.time >= $%d", len(params))
	}
	if filter.DepartureEnd != "" {
		params = append(params, filter.DepartureEnd)
		query += fmt.Sprintf(" AND d.time <= $%d", len(params))
	}
	if filter.Weekdays != 0 {
		params = append(params, int(filter.Weekdays))
		query += fmt.Sprintf(`
AND (
    NOT EXISTS (
        SELECT 1 FROM schedule_conditions sc
        INNER JOIN conditions c ON c.hash = sc.hash AND c.id = sc.condition_id
        WHERE sc.hash = d.hash AND sc.schedule_id = d.id AND c.weekdays <> 0
    ) OR EXISTS (
        SELECT 1 FROM schedule_conditions sc
        INNER JOIN conditions c ON c.hash = sc.hash AND c.id = sc.condition_id
        WHERE sc.hash = d.hash AND sc.schedule_id = d.id AND (c.weekdays & $%d) <> 0
    )
)`, len(params))
	}

	rows, err := r.db.Query(query, params...)
	if err != nil {
		return nil, fmt.Errorf("querying leg events: %w", err)
	}
	defer rows.Close()

	routes := map[int64]*model.Route{}
	stops := map[int64]*model.Stop{}

	events := []*LegEvent{}
	for rows.Next() {
		e := &LegEvent{}
		route := &model.Route{}
		depStop := &model.Stop{}
		arrStop := &model.Stop{}
		var routeType, depType, arrType string
		err := rows.Scan(
			&e.Departure.ScheduleID,
			&e.Run,
			&e.Destination,
			&e.Departure.Sequence,
			&e.Departure.Time,
			&e.Arrival.ScheduleID,
			&e.Arrival.Sequence,
			&e.Arrival.Time,
			&route.ID,
			&route.Name,
			&route.Operator,
			&routeType,
			&depStop.ID,
			&depStop.Name,
			&depStop.Lat,
			&depStop.Lon,
			&depType,
			&arrStop.ID,
			&arrStop.Name,
			&arrStop.Lat,
			&arrStop.Lon,
			&arrType,
		)
		if err != nil {
			return nil, fmt.Errorf("scanning leg event: %w", err)
		}
		route.Type = model.Mode(routeType)
		depStop.Type = model.Mode(depType)
		arrStop.Type = model.Mode(arrType)

		e.Route = internRoute(routes, route)
		e.Departure.Stop = internStop(stops, depStop)
		e.Arrival.Stop = internStop(stops, arrStop)
		events = append(events, e)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterating leg events: %w", err)
	}

	sortLegEvents(events)
	return events, nil
}

func (r *PSQLNetworkReader) RunSchedules(runs []model.RunKey) (map[model.RunKey][]*RunStop, error) {
	result := map[model.RunKey][]*RunStop{}
	routeIDs, runNums := runArrays(runs)
	if len(routeIDs) == 0 {
		return result, nil
	}

	rows, err := r.db.Query(`
SELECT s.route_id, s.run, s.sequence, s.time, st.id, st.name, st.lat, st.lon, st.type
FROM schedules s
INNER JOIN stops st ON st.hash = s.hash AND st.id = s.stop_id
WHERE s.hash = $1 AND (s.route_id, s.run) IN (SELECT * FROM unnest($2::bigint[], $3::bigint[]))
ORDER BY s.route_id, s.run, s.sequence`, r.id, routeIDs, runNums)
	if err != nil {
		return nil, fmt.Errorf("querying run schedules: %w", err)
	}
	defer rows.Close()

	stops := map[int64]*model.Stop{}
	for rows.Next() {
		var key model.RunKey
		rs := &RunStop{}
		stop := &model.Stop{}
		var stopType string
		err := rows.Scan(
			&key.RouteID,
			&key.Run,
			&rs.Sequence,
			&rs.Time,
			&stop.ID,
			&stop.Name,
			&stop.Lat,
			&stop.Lon,
			&stopType,
		)
		if err != nil {
			return nil, fmt.Errorf("scanning run schedule: %w", err)
		}
		stop.Type = model.Mode(stopType)
		rs.Stop = internStop(stops, stop)
		result[key] = append(result[key], rs)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterating run schedules: %w", err)
	}

	return result, nil
}

func (r *PSQLNetworkReader) RunByRef(ref string) (model.RunKey, error) {
	var key model.RunKey
	err := r.db.QueryRow(
		`SELECT route_id, run FROM schedules WHERE hash = $1 AND ref = $2 LIMIT 1`,
		r.id, ref,
	).Scan(&key.RouteID, &key.Run)
	if err == sql.ErrNoRows {
		return model.RunKey{}, fmt.Errorf("run ref '%s': %w", ref, ErrNotFound)
	}
	if err != nil {
		return model.RunKey{}, fmt.Errorf("querying run ref: %w", err)
	}
	return key, nil
}

func (r *PSQLNetworkReader) RouteDestinations(stopIDs []int64) ([]*RouteDestinations, error) {
	if len(stopIDs) == 0 {
		return []*RouteDestinations{}, nil
	}

	rows, err := r.db.Query(`
SELECT DISTINCT s.stop_id, r.id, r.name, r.operator, r.type, s.destination
FROM schedules s
INNER JOIN routes r ON r.hash = s.hash AND r.id = s.route_id
WHERE s.hash = $1 AND s.stop_id = ANY($2)
ORDER BY s.stop_id, r.id, s.destination`, r.id, pq.Array(stopIDs))
	if err != nil {
		return nil, fmt.Errorf("querying route destinations: %w", err)
	}
	defer rows.Close()

	result := []*RouteDestinations{}
	var last *RouteDestinations
	for rows.Next() {
		var stopID int64
		var destination, routeType string
		route := &model.Route{}
		err := rows.Scan(&stopID, &route.ID, &route.Name, &route.Operator, &routeType, &destination)
		if err != nil {
			return nil, fmt.Errorf("scanning route destination: %w", err)
		}
		route.Type = model.Mode(routeType)

		if last == nil || last.StopID != stopID || last.Route.ID != route.ID {
			last = &RouteDestinations{StopID: stopID, Route: route}
			result = append(result, last)
		}
		last.Destinations = append(last.Destinations, destination)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterating route destinations: %w", err)
	}

	return result, nil
}

func (r *PSQLNetworkReader) Operators() ([]string, error) {
	rows, err := r.db.Query(`SELECT DISTINCT operator FROM routes WHERE hash = $1 ORDER BY operator`, r.id)
	if err != nil {
		return nil, fmt.Errorf("querying operators: %w", err)
	}
	defer rows.Close()

	operators := []string{}
	for rows.Next() {
		var op string
		if err := rows.Scan(&op); err != nil {
			return nil, fmt.Errorf("scanning operator: %w", err)
		}
		operators = append(operators, op)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterating operators: %w", err)
	}
	return operators, nil
}
