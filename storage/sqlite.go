package storage

import (
	"database/sql"
	"fmt"
	"os"
	"sort"
	"strconv"
	"strings"
	"sync"
	"time"

	_ "github.com/mattn/go-sqlite3"

	"tidbyt.dev/transit/model"
)

// Max number of runs or ids bound in a single query.
const sqliteChunkSize = 400

type SQLiteConfig struct {
	OnDisk    bool
	Directory string
}

type SQLiteStorage struct {
	SQLiteConfig

	db       *sql.DB
	mutex    sync.Mutex
	networks map[string]*sql.DB
}

type SQLiteNetworkWriter struct {
	db *sql.DB
	tx *sql.Tx

	scheduleInsert     *sql.Stmt
	routeStopInsert    *sql.Stmt
	conditionLinkQuery *sql.Stmt
}

type SQLiteNetworkReader struct {
	db *sql.DB
}

func openSQLite(sourceName string) (*sql.DB, error) {
	db, err := sql.Open("sqlite3", sourceName)
	if err != nil {
		return nil, fmt.Errorf("opening database: %w", err)
	}
	if sourceName == ":memory:" {
		// Every connection to :memory: is a distinct database.
		db.SetMaxOpenConns(1)
	}
	return db, nil
}

func NewSQLiteStorage(cfg ...SQLiteConfig) (*SQLiteStorage, error) {
	onDisk := false
	directory := ""
	if len(cfg) > 0 {
		onDisk = cfg[0].OnDisk
		directory = cfg[0].Directory
	}

	sourceName := ":memory:"
	if onDisk {
		sourceName = directory + "/transit.db"
	}

	db, err := openSQLite(sourceName)
	if err != nil {
		return nil, err
	}

	_, err = db.Exec(`
CREATE TABLE IF NOT EXISTS network (
    hash TEXT NOT NULL,
    source TEXT NOT NULL,
    format TEXT NOT NULL,
    retrieved_at TIMESTAMP NOT NULL,
    timezone TEXT NOT NULL,
    max_time TEXT NOT NULL,
PRIMARY KEY (hash, source)
);

CREATE TABLE IF NOT EXISTS reports (
    id INTEGER PRIMARY KEY AUTOINCREMENT,
    route_id INTEGER NOT NULL,
    run INTEGER,
    type TEXT NOT NULL,
    description TEXT NOT NULL,
    lat REAL NOT NULL,
    lon REAL NOT NULL,
    image TEXT NOT NULL,
    created_at INTEGER NOT NULL
);
CREATE INDEX IF NOT EXISTS reports_route_id ON reports (route_id, created_at);

CREATE TABLE IF NOT EXISTS tracks (
    id INTEGER PRIMARY KEY AUTOINCREMENT,
    route_id INTEGER NOT NULL,
    run INTEGER NOT NULL,
    lat REAL NOT NULL,
    lon REAL NOT NULL,
    created_at INTEGER NOT NULL
);
CREATE INDEX IF NOT EXISTS tracks_run ON tracks (route_id, run, created_at);
`)
	if err != nil {
		db.Close()
		return nil, fmt.Errorf("creating tables: %w", err)
	}

	return &SQLiteStorage{
		SQLiteConfig: SQLiteConfig{
			OnDisk:    onDisk,
			Directory: directory,
		},
		db:       db,
		networks: map[string]*sql.DB{},
	}, nil
}

func (s *SQLiteStorage) Close() error {
	s.mutex.Lock()
	defer s.mutex.Unlock()

	for network, db := range s.networks {
		if err := db.Close(); err != nil {
			return fmt.Errorf("closing network %s: %w", network, err)
		}
		delete(s.networks, network)
	}
	return s.db.Close()
}

func (s *SQLiteStorage) ListNetworks(filter ListNetworksFilter) ([]*NetworkMetadata, error) {
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
	if filter.Source != "" {
		conditions = append(conditions, "source = ?")
		params = append(params, filter.Source)
	}
	if filter.Hash != "" {
		conditions = append(conditions, "hash = ?")
		params = append(params, filter.Hash)
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

func (s *SQLiteStorage) WriteNetworkMetadata(metadata *NetworkMetadata) error {
	_, err := s.db.Exec(`
INSERT INTO network (hash, source, format, retrieved_at, timezone, max_time)
VALUES (?, ?, ?, ?, ?, ?)
ON CONFLICT (hash, source) DO UPDATE SET
    format = excluded.format,
    retrieved_at = excluded.retrieved_at,
    timezone = excluded.timezone,
    max_time = excluded.max_time`,
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

func (s *SQLiteStorage) DeleteNetworkMetadata(source string, hash string) error {
	res, err := s.db.Exec(`DELETE FROM network WHERE source = ? AND hash = ?`, source, hash)
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

func (s *SQLiteStorage) GetReader(network string) (NetworkReader, error) {
	s.mutex.Lock()
	defer s.mutex.Unlock()

	db, found := s.networks[network]
	if found {
		return &SQLiteNetworkReader{db: db}, nil
	}
	if !s.OnDisk {
		return nil, fmt.Errorf("network %s: %w", network, ErrNotFound)
	}

	sourceName := s.Directory + "/" + network + ".db"
	if _, err := os.Stat(sourceName); os.IsNotExist(err) {
		return nil, fmt.Errorf("network %s at %s: %w", network, sourceName, ErrNotFound)
	}

	db, err := openSQLite(sourceName)
	if err != nil {
		return nil, err
	}

	s.networks[network] = db

	return &SQLiteNetworkReader{db: db}, nil
}

func (s *SQLiteStorage) GetWriter(network string) (NetworkWriter, error) {
	s.mutex.Lock()
	defer s.mutex.Unlock()

	sourceName := ":memory:"
	if s.OnDisk {
		sourceName = s.Directory + "/" + network + ".db"
		if _, err := os.Stat(sourceName); err == nil {
			err := os.Remove(sourceName)
			if err != nil {
				return nil, fmt.Errorf("removing existing database: %w", err)
			}
		}
	}

	if old, found := s.networks[network]; found {
		old.Close()
	}

	db, err := openSQLite(sourceName)
	if err != nil {
		return nil, err
	}

	for name, query := range map[string]string{
		"stops": `
CREATE TABLE stops (
    id INTEGER PRIMARY KEY,
    name TEXT NOT NULL,
    lat REAL NOT NULL,
    lon REAL NOT NULL,
    type TEXT NOT NULL
);
CREATE INDEX stops_lat_lon ON stops (lat, lon);
`,
		"routes": `
CREATE TABLE routes (
    id INTEGER PRIMARY KEY,
    name TEXT NOT NULL,
    operator TEXT NOT NULL,
    type TEXT NOT NULL
);`,
		"conditions": `
CREATE TABLE conditions (
    id INTEGER PRIMARY KEY,
    name TEXT NOT NULL,
    description TEXT NOT NULL,
    weekdays INTEGER NOT NULL
);`,
		"route_stops": `
CREATE TABLE route_stops (
    id INTEGER PRIMARY KEY AUTOINCREMENT,
    route_id INTEGER NOT NULL,
    stop_id INTEGER NOT NULL,
    UNIQUE (route_id, stop_id)
);`,
		"schedules": `
CREATE TABLE schedules (
    id INTEGER PRIMARY KEY,
    route_id INTEGER NOT NULL,
    stop_id INTEGER NOT NULL,
    run INTEGER NOT NULL,
    sequence INTEGER NOT NULL,
    destination TEXT NOT NULL,
    time TEXT NOT NULL,
    ref TEXT NOT NULL
);
CREATE INDEX schedules_stop_time ON schedules (stop_id, time);
CREATE INDEX schedules_run ON schedules (route_id, run, sequence);
CREATE INDEX schedules_ref ON schedules (ref);
`,
		"schedule_conditions": `
CREATE TABLE schedule_conditions (
    schedule_id INTEGER NOT NULL,
    condition_id INTEGER NOT NULL,
PRIMARY KEY (schedule_id, condition_id)
);`,
	} {
		_, err = db.Exec(query)
		if err != nil {
			db.Close()
			return nil, fmt.Errorf("creating %s table: %w", name, err)
		}
	}

	s.networks[network] = db

	return &SQLiteNetworkWriter{db: db}, nil
}

func (s *SQLiteStorage) WriteReport(report *model.Report) error {
	if report.CreatedAt.IsZero() {
		report.CreatedAt = time.Now().UTC()
	}

	var run sql.NullInt64
	if report.Run != nil {
		run = sql.NullInt64{Int64: int64(*report.Run), Valid: true}
	}

	res, err := s.db.Exec(`
INSERT INTO reports (route_id, run, type, description, lat, lon, image, created_at)
VALUES (?, ?, ?, ?, ?, ?, ?, ?)`,
		report.RouteID,
		run,
		string(report.Type),
		report.Description,
		report.Lat,
		report.Lon,
		report.Image,
		report.CreatedAt.UnixNano(),
	)
	if err != nil {
		return fmt.Errorf("inserting report: %w", err)
	}

	report.ID, err = res.LastInsertId()
	if err != nil {
		return fmt.Errorf("getting report id: %w", err)
	}
	return nil
}

func (s *SQLiteStorage) ListReports(filter ReportFilter) ([]*model.Report, error) {
	query := `
SELECT id, route_id, run, type, description, lat, lon, image, created_at
FROM reports`

	conditions := []string{}
	params := []interface{}{}
	if len(filter.RouteIDs) > 0 {
		conditions = append(conditions, fmt.Sprintf("route_id IN (%s)", placeholders(len(filter.RouteIDs))))
		for _, id := range filter.RouteIDs {
			params = append(params, id)
		}
	}
	if filter.Runs != nil {
		runConds := []string{"run IS NULL"}
		for _, key := range uniqueRunKeys(filter.Runs) {
			runConds = append(runConds, "(route_id = ? AND run = ?)")
			params = append(params, key.RouteID, key.Run)
		}
		conditions = append(conditions, "("+strings.Join(runConds, " OR ")+")")
	}
	if !filter.Since.IsZero() {
		conditions = append(conditions, "created_at >= ?")
		params = append(params, filter.Since.UnixNano())
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
		var createdAt int64
		err := rows.Scan(
			&r.ID,
			&r.RouteID,
			&run,
			&reportType,
			&r.Description,
			&r.Lat,
			&r.Lon,
			&r.Image,
			&createdAt,
		)
		if err != nil {
			return nil, fmt.Errorf("scanning report: %w", err)
		}
		if run.Valid {
			v := int(run.Int64)
			r.Run = &v
		}
		r.Type = model.ReportType(reportType)
		r.CreatedAt = time.Unix(0, createdAt).UTC()
		reports = append(reports, r)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterating reports: %w", err)
	}

	return reports, nil
}

func (s *SQLiteStorage) DeleteReport(id int64) error {
	res, err := s.db.Exec(`DELETE FROM reports WHERE id = ?`, id)
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

func (s *SQLiteStorage) WriteTrack(track *model.Track) error {
	if track.CreatedAt.IsZero() {
		track.CreatedAt = time.Now().UTC()
	}

	res, err := s.db.Exec(`
INSERT INTO tracks (route_id, run, lat, lon, created_at)
VALUES (?, ?, ?, ?, ?)`,
		track.RouteID,
		track.Run,
		track.Lat,
		track.Lon,
		track.CreatedAt.UnixNano(),
	)
	if err != nil {
		return fmt.Errorf("inserting track: %w", err)
	}

	track.ID, err = res.LastInsertId()
	if err != nil {
		return fmt.Errorf("getting track id: %w", err)
	}
	return nil
}

func (s *SQLiteStorage) ListTracks(filter TrackFilter) ([]*model.Track, error) {
	query := `
SELECT id, route_id, run, lat, lon, created_at
FROM tracks`

	conditions := []string{}
	params := []interface{}{}
	if filter.Runs != nil {
		runs := uniqueRunKeys(filter.Runs)
		if len(runs) == 0 {
			return []*model.Track{}, nil
		}
		runConds := []string{}
		for _, key := range runs {
			runConds = append(runConds, "(route_id = ? AND run = ?)")
			params = append(params, key.RouteID, key.Run)
		}
		conditions = append(conditions, "("+strings.Join(runConds, " OR ")+")")
	}
	if !filter.Since.IsZero() {
		conditions = append(conditions, "created_at >= ?")
		params = append(params, filter.Since.UnixNano())
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
		var createdAt int64
		err := rows.Scan(&t.ID, &t.RouteID, &t.Run, &t.Lat, &t.Lon, &createdAt)
		if err != nil {
			return nil, fmt.Errorf("scanning track: %w", err)
		}
		t.CreatedAt = time.Unix(0, createdAt).UTC()
		tracks = append(tracks, t)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterating tracks: %w", err)
	}

	return tracks, nil
}

func (s *SQLiteStorage) DeleteTracks(before time.Time) (int, error) {
	res, err := s.db.Exec(`DELETE FROM tracks WHERE created_at < ?`, before.UnixNano())
	if err != nil {
		return 0, fmt.Errorf("deleting tracks: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return 0, fmt.Errorf("deleting tracks: %w", err)
	}
	return int(n), nil
}

func (w *SQLiteNetworkWriter) WriteStop(stop *model.Stop) error {
	_, err := w.db.Exec(`
INSERT INTO stops (id, name, lat, lon, type)
VALUES (?, ?, ?, ?, ?)`,
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

func (w *SQLiteNetworkWriter) WriteRoute(route *model.Route) error {
	_, err := w.db.Exec(`
INSERT INTO routes (id, name, operator, type)
VALUES (?, ?, ?, ?)`,
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

func (w *SQLiteNetworkWriter) WriteCondition(cond *model.Condition) error {
	_, err := w.db.Exec(`
INSERT INTO conditions (id, name, description, weekdays)
VALUES (?, ?, ?, ?)`,
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

func (w *SQLiteNetworkWriter) BeginSchedules() error {
	tx, err := w.db.Begin()
	if err != nil {
		return fmt.Errorf("beginning transaction: %w", err)
	}

	stmts := map[string]**sql.Stmt{
		`INSERT INTO schedules (id, route_id, stop_id, run, sequence, destination, time, ref)
VALUES (?, ?, ?, ?, ?, ?, ?, ?)`: &w.scheduleInsert,
		`INSERT OR IGNORE INTO route_stops (route_id, stop_id) VALUES (?, ?)`:                 &w.routeStopInsert,
		`INSERT OR IGNORE INTO schedule_conditions (schedule_id, condition_id) VALUES (?, ?)`: &w.conditionLinkQuery,
	}
	for query, stmt := range stmts {
		*stmt, err = tx.Prepare(query)
		if err != nil {
			tx.Rollback()
			return fmt.Errorf("preparing statement: %w", err)
		}
	}

	w.tx = tx
	return nil
}

func (w *SQLiteNetworkWriter) WriteSchedule(schedule *model.Schedule) error {
	if w.tx == nil {
		return fmt.Errorf("WriteSchedule called outside BeginSchedules/EndSchedules")
	}

	var id interface{}
	if schedule.ID != 0 {
		id = schedule.ID
	}

	res, err := w.scheduleInsert.Exec(
		id,
		schedule.RouteID,
		schedule.StopID,
		schedule.Run,
		schedule.Sequence,
		schedule.Destination,
		schedule.Time,
		schedule.Ref,
	)
	if err != nil {
		return fmt.Errorf("inserting schedule: %w", err)
	}
	if schedule.ID == 0 {
		schedule.ID, err = res.LastInsertId()
		if err != nil {
			return fmt.Errorf("getting schedule id: %w", err)
		}
	}

	_, err = w.routeStopInsert.Exec(schedule.RouteID, schedule.StopID)
	if err != nil {
		return fmt.Errorf("inserting route stop: %w", err)
	}

	for _, condID := range schedule.ConditionIDs {
		_, err = w.conditionLinkQuery.Exec(schedule.ID, condID)
		if err != nil {
			return fmt.Errorf("linking condition: %w", err)
		}
	}

	return nil
}

func (w *SQLiteNetworkWriter) EndSchedules() error {
	if w.tx == nil {
		return nil
	}
	for _, stmt := range []*sql.Stmt{w.scheduleInsert, w.routeStopInsert, w.conditionLinkQuery} {
		stmt.Close()
	}
	err := w.tx.Commit()
	w.tx = nil
	if err != nil {
		return fmt.Errorf("committing schedules: %w", err)
	}
	return nil
}

func (w *SQLiteNetworkWriter) Close() error {
	if w.tx != nil {
		return w.EndSchedules()
	}
	return nil
}

func scanStop(sc interface{ Scan(...interface{}) error }) (*model.Stop, error) {
	stop := &model.Stop{}
	var stopType string
	err := sc.Scan(&stop.ID, &stop.Name, &stop.Lat, &stop.Lon, &stopType)
	if err != nil {
		return nil, err
	}
	stop.Type = model.Mode(stopType)
	return stop, nil
}

func scanRoute(sc interface{ Scan(...interface{}) error }) (*model.Route, error) {
	route := &model.Route{}
	var routeType string
	err := sc.Scan(&route.ID, &route.Name, &route.Operator, &routeType)
	if err != nil {
		return nil, err
	}
	route.Type = model.Mode(routeType)
	return route, nil
}

func (r *SQLiteNetworkReader) queryStops(query string, params ...interface{}) ([]*model.Stop, error) {
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

func (r *SQLiteNetworkReader) queryRoutes(query string, params ...interface{}) ([]*model.Route, error) {
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

func (r *SQLiteNetworkReader) Stops() ([]*model.Stop, error) {
	return r.queryStops(`SELECT id, name, lat, lon, type FROM stops ORDER BY id`)
}

func (r *SQLiteNetworkReader) Routes() ([]*model.Route, error) {
	return r.queryRoutes(`SELECT id, name, operator, type FROM routes ORDER BY id`)
}

func (r *SQLiteNetworkReader) RouteStops() ([]*model.RouteStop, error) {
	rows, err := r.db.Query(`SELECT id, route_id, stop_id FROM route_stops ORDER BY id`)
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

func (r *SQLiteNetworkReader) Conditions() ([]*model.Condition, error) {
	rows, err := r.db.Query(`SELECT id, name, description, weekdays FROM conditions ORDER BY id`)
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

func (r *SQLiteNetworkReader) Stop(id int64) (*model.Stop, error) {
	stop, err := scanStop(r.db.QueryRow(`SELECT id, name, lat, lon, type FROM stops WHERE id = ?`, id))
	if err == sql.ErrNoRows {
		return nil, fmt.Errorf("stop %d: %w", id, ErrNotFound)
	}
	if err != nil {
		return nil, fmt.Errorf("querying stop: %w", err)
	}
	return stop, nil
}

func (r *SQLiteNetworkReader) Route(id int64) (*model.Route, error) {
	route, err := scanRoute(r.db.QueryRow(`SELECT id, name, operator, type FROM routes WHERE id = ?`, id))
	if err == sql.ErrNoRows {
		return nil, fmt.Errorf("route %d: %w", id, ErrNotFound)
	}
	if err != nil {
		return nil, fmt.Errorf("querying route: %w", err)
	}
	return route, nil
}

func (r *SQLiteNetworkReader) StopsWithin(lat float64, lon float64, radius float64) ([]StopDistance, error) {
	minLat, minLon, maxLat, maxLon := boundingBox(lat, lon, radius)

	stops, err := r.queryStops(`
SELECT id, name, lat, lon, type FROM stops
WHERE lat BETWEEN ? AND ? AND lon BETWEEN ? AND ?`,
		minLat, maxLat, minLon, maxLon,
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

func (r *SQLiteNetworkReader) Schedules(filter ScheduleFilter) ([]*model.Schedule, error) {
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
    GROUP_CONCAT(sc.condition_id)
FROM schedules s
LEFT JOIN schedule_conditions sc ON sc.schedule_id = s.id`

	conditions := []string{}
	params := []interface{}{}
	if filter.RouteID != 0 {
		conditions = append(conditions, "s.route_id = ?")
		params = append(params, filter.RouteID)
	}
	if filter.StopID != 0 {
		conditions = append(conditions, "s.stop_id = ?")
		params = append(params, filter.StopID)
	}
	if filter.Destination != "" {
		conditions = append(conditions, "s.destination = ?")
		params = append(params, filter.Destination)
	}
	if len(conditions) > 0 {
		query += " WHERE " + strings.Join(conditions, " AND ")
	}
	query += " GROUP BY s.id ORDER BY s.route_id, s.run, s.sequence, s.id"

	rows, err := r.db.Query(query, params...)
	if err != nil {
		return nil, fmt.Errorf("querying schedules: %w", err)
	}
	defer rows.Close()

	schedules := []*model.Schedule{}
	for rows.Next() {
		s := &model.Schedule{}
		var condIDs sql.NullString
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
		if condIDs.Valid && condIDs.String != "" {
			for _, idStr := range strings.Split(condIDs.String, ",") {
				id, err := strconv.ParseInt(idStr, 10, 64)
				if err != nil {
					return nil, fmt.Errorf("parsing condition id '%s': %w", idStr, err)
				}
				s.ConditionIDs = append(s.ConditionIDs, id)
			}
			sort.Slice(s.ConditionIDs, func(i, j int) bool {
				return s.ConditionIDs[i] < s.ConditionIDs[j]
			})
		}
		schedules = append(schedules, s)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterating schedules: %w", err)
	}

	return schedules, nil
}

func (r *SQLiteNetworkReader) LegEvents(filter LegEventFilter) ([]*LegEvent, error) {
	if len(filter.StopIDs) == 0 {
		return []*LegEvent{}, nil
	}

	query := fmt.Sprintf(`
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
    a.route_id = d.route_id AND
    a.run = d.run AND
    a.destination = d.destination AND
    a.sequence > d.sequence
INNER JOIN routes r ON r.id = d.route_id
INNER JOIN stops ds ON ds.id = d.stop_id
INNER JOIN stops ast ON ast.id = a.stop_id
WHERE d.stop_id IN (%s)`, placeholders(len(filter.StopIDs)))

	params := []interface{}{}
	for _, id := range filter.StopIDs {
		params = append(params, id)
	}
	if filter.DepartureStart != "" {
		query += " AND d.time >= ?"
		params = append(params, filter.DepartureStart)
	}
	if filter.DepartureEnd != "" {
		query += " AND d.time <= ?"
		params = append(params, filter.DepartureEnd)
	}
	if filter.Weekdays != 0 {
		query += `
AND (
    NOT EXISTS (
        SELECT 1 FROM schedule_conditions sc
        INNER JOIN conditions c ON c.id = sc.condition_id
        WHERE sc.schedule_id = d.id AND c.weekdays <> 0
    ) OR EXISTS (
        SELECT 1 FROM schedule_conditions sc
        INNER JOIN conditions c ON c.id = sc.condition_id
        WHERE sc.schedule_id = d.id AND (c.weekdays & ?) <> 0
    )
)`
		params = append(params, int(filter.Weekdays))
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

func (r *SQLiteNetworkReader) RunSchedules(runs []model.RunKey) (map[model.RunKey][]*RunStop, error) {
	result := map[model.RunKey][]*RunStop{}
	stops := map[int64]*model.Stop{}

	runs = uniqueRunKeys(runs)
	for start := 0; start < len(runs); start += sqliteChunkSize {
		end := start + sqliteChunkSize
		if end > len(runs) {
			end = len(runs)
		}

		runConds := []string{}
		params := []interface{}{}
		for _, key := range runs[start:end] {
			runConds = append(runConds, "(s.route_id = ? AND s.run = ?)")
			params = append(params, key.RouteID, key.Run)
		}

		err := func() error {
			rows, err := r.db.Query(`
SELECT s.route_id, s.run, s.sequence, s.time, st.id, st.name, st.lat, st.lon, st.type
FROM schedules s
INNER JOIN stops st ON st.id = s.stop_id
WHERE `+strings.Join(runConds, " OR ")+`
ORDER BY s.route_id, s.run, s.sequence`, params...)
			if err != nil {
				return fmt.Errorf("querying run schedules: %w", err)
			}
			defer rows.Close()

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
					return fmt.Errorf("scanning run schedule: %w", err)
				}
				stop.Type = model.Mode(stopType)
				rs.Stop = internStop(stops, stop)
				result[key] = append(result[key], rs)
			}
			return rows.Err()
		}()
		if err != nil {
			return nil, err
		}
	}

	return result, nil
}

func (r *SQLiteNetworkReader) RunByRef(ref string) (model.RunKey, error) {
	var key model.RunKey
	err := r.db.QueryRow(
		`SELECT route_id, run FROM schedules WHERE ref = ? LIMIT 1`,
		ref,
	).Scan(&key.RouteID, &key.Run)
	if err == sql.ErrNoRows {
		return model.RunKey{}, fmt.Errorf("run ref '%s': %w", ref, ErrNotFound)
	}
	if err != nil {
		return model.RunKey{}, fmt.Errorf("querying run ref: %w", err)
	}
	return key, nil
}

func (r *SQLiteNetworkReader) RouteDestinations(stopIDs []int64) ([]*RouteDestinations, error) {
	if len(stopIDs) == 0 {
		return []*RouteDestinations{}, nil
	}

	params := []interface{}{}
	for _, id := range stopIDs {
		params = append(params, id)
	}

	rows, err := r.db.Query(fmt.Sprintf(`
SELECT DISTINCT s.stop_id, r.id, r.name, r.operator, r.type, s.destination
FROM schedules s
INNER JOIN routes r ON r.id = s.route_id
WHERE s.stop_id IN (%s)
ORDER BY s.stop_id, r.id, s.destination`, placeholders(len(stopIDs))), params...)
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

func (r *SQLiteNetworkReader) Operators() ([]string, error) {
	rows, err := r.db.Query(`SELECT DISTINCT operator FROM routes ORDER BY operator`)
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

func placeholders(n int) string {
	if n <= 0 {
		return ""
	}
	return strings.Repeat("?, ", n-1) + "?"
}

func internStop(cache map[int64]*model.Stop, stop *model.Stop) *model.Stop {
	if cached, found := cache[stop.ID]; found {
		return cached
	}
	cache[stop.ID] = stop
	return stop
}

func internRoute(cache map[int64]*model.Route, route *model.Route) *model.Route {
	if cached, found := cache[route.ID]; found {
		return cached
	}
	cache[route.ID] = route
	return route
}
