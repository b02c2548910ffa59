package matching

import (
	"database/sql"
	"encoding/binary"
	"encoding/json"
	"math"
	"os"
	"strconv"

	"github.com/pkg/errors"
	"go.uber.org/multierr"

	// registers the "sqlite" database/sql driver
	_ "modernc.org/sqlite"
)

var scanContextSchema = []string{
	`CREATE TABLE IF NOT EXISTS meta (
		key   TEXT PRIMARY KEY,
		value TEXT NOT NULL
	)`,
	`CREATE TABLE IF NOT EXISTS keyframes (
		id         INTEGER PRIMARY KEY,
		pose       TEXT NOT NULL,
		descriptor BLOB NOT NULL
	)`,
}

// Save writes the index to a SQLite database at path, replacing its contents
func (idx *ScanContextIndex) Save(path string) (err error) {
	db, err := sql.Open("sqlite", path)
	if err != nil {
		return errors.Wrapf(err, "opening index %s", path)
	}
	defer func() {
		err = multierr.Combine(err, db.Close())
	}()

	for _, stmt := range scanContextSchema {
		if _, err = db.Exec(stmt); err != nil {
			return errors.Wrap(err, "creating index schema")
		}
	}

	tx, err := db.Begin()
	if err != nil {
		return errors.Wrap(err, "starting index transaction")
	}
	if err = idx.writeTx(tx); err != nil {
		return multierr.Combine(err, tx.Rollback())
	}
	if err = tx.Commit(); err != nil {
		return errors.Wrap(err, "committing index")
	}

	idx.logger.Infow("saved scan context index", "path", path, "keyframes", len(idx.keyframes))
	return nil
}

func (idx *ScanContextIndex) writeTx(tx *sql.Tx) error {
	if _, err := tx.Exec(`DELETE FROM keyframes`); err != nil {
		return errors.Wrap(err, "clearing keyframes")
	}
	if _, err := tx.Exec(`DELETE FROM meta`); err != nil {
		return errors.Wrap(err, "clearing meta")
	}

	meta := map[string]string{
		"num_rings":    strconv.Itoa(idx.config.NumRings),
		"num_sectors":  strconv.Itoa(idx.config.NumSectors),
		"max_radius":   strconv.FormatFloat(idx.config.MaxRadius, 'g', -1, 64),
		"lidar_height": strconv.FormatFloat(idx.config.LidarHeight, 'g', -1, 64),
	}
	for k, v := range meta {
		if _, err := tx.Exec(`INSERT INTO meta (key, value) VALUES (?, ?)`, k, v); err != nil {
			return errors.Wrapf(err, "writing meta %s", k)
		}
	}

	stmt, err := tx.Prepare(`INSERT INTO keyframes (id, pose, descriptor) VALUES (?, ?, ?)`)
	if err != nil {
		return errors.Wrap(err, "preparing keyframe insert")
	}
	defer func() { _ = stmt.Close() }()

	for i, kf := range idx.keyframes {
		pose, err := json.Marshal(kf.Pose)
		if err != nil {
			return errors.Wrapf(err, "encoding keyframe %d pose", i)
		}
		if _, err := stmt.Exec(i, string(pose), encodeFloats(kf.Descriptor.Cells)); err != nil {
			return errors.Wrapf(err, "writing keyframe %d", i)
		}
	}
	return nil
}

// Load replaces the keyframes with those stored at path. The stored
// descriptor layout must match the index configuration.
func (idx *ScanContextIndex) Load(path string) (err error) {
	if _, err := os.Stat(path); err != nil {
		return errors.Wrapf(err, "scan context index %s", path)
	}

	db, err := sql.Open("sqlite", path)
	if err != nil {
		return errors.Wrapf(err, "opening index %s", path)
	}
	defer func() {
		err = multierr.Combine(err, db.Close())
	}()

	meta, err := readMeta(db)
	if err != nil {
		return err
	}
	if meta["num_rings"] != strconv.Itoa(idx.config.NumRings) || meta["num_sectors"] != strconv.Itoa(idx.config.NumSectors) {
		return errors.Errorf("index %s has layout %sx%s, configured %dx%d",
			path, meta["num_rings"], meta["num_sectors"], idx.config.NumRings, idx.config.NumSectors)
	}

	rows, err := db.Query(`SELECT id, pose, descriptor FROM keyframes ORDER BY id`)
	if err != nil {
		return errors.Wrap(err, "reading keyframes")
	}
	defer func() {
		err = multierr.Combine(err, rows.Close())
	}()

	cells := idx.config.NumRings * idx.config.NumSectors
	var keyframes []Keyframe
	for rows.Next() {
		var id int
		var poseJSON string
		var blob []byte
		if err := rows.Scan(&id, &poseJSON, &blob); err != nil {
			return errors.Wrap(err, "scanning keyframe")
		}
		var pose Pose
		if err := json.Unmarshal([]byte(poseJSON), &pose); err != nil {
			return errors.Wrapf(err, "decoding keyframe %d pose", id)
		}
		values, err := decodeFloats(blob)
		if err != nil {
			return errors.Wrapf(err, "decoding keyframe %d descriptor", id)
		}
		if len(values) != cells {
			return errors.Errorf("keyframe %d descriptor has %d cells, want %d", id, len(values), cells)
		}
		keyframes = append(keyframes, Keyframe{
			Pose: pose,
			Descriptor: ScanContext{
				Rings:   idx.config.NumRings,
				Sectors: idx.config.NumSectors,
				Cells:   values,
			},
		})
	}
	if err := rows.Err(); err != nil {
		return errors.Wrap(err, "iterating keyframes")
	}

	idx.keyframes = keyframes
	idx.tree = nil
	idx.logger.Infow("loaded scan context index", "path", path, "keyframes", len(keyframes))
	return nil
}

func readMeta(db *sql.DB) (meta map[string]string, err error) {
	rows, err := db.Query(`SELECT key, value FROM meta`)
	if err != nil {
		return nil, errors.Wrap(err, "reading index meta")
	}
	defer func() {
		err = multierr.Combine(err, rows.Close())
	}()

	meta = make(map[string]string)
	for rows.Next() {
		var k, v string
		if err := rows.Scan(&k, &v); err != nil {
			return nil, errors.Wrap(err, "scanning index meta")
		}
		meta[k] = v
	}
	return meta, rows.Err()
}

func encodeFloats(values []float64) []byte {
	buf := make([]byte, 8*len(values))
	for i, v := range values {
		binary.LittleEndian.PutUint64(buf[i*8:], math.Float64bits(v))
	}
	return buf
}

func decodeFloats(buf []byte) ([]float64, error) {
	if len(buf)%8 != 0 {
		return nil, errors.Errorf("blob length %d is not a multiple of 8", len(buf))
	}
	values := make([]float64, len(buf)/8)
	for i := range values {
		values[i] = math.Float64frombits(binary.LittleEndian.Uint64(buf[i*8:]))
	}
	return values, nil
}
