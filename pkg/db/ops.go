package db

import (
	"database/sql"
	"encoding/json"
	"fmt"

	"github.com/forgehost/forgehost/pkg/apperr"
	"github.com/forgehost/forgehost/pkg/types"
)

// call runs fn synchronously on the actor's goroutine and waits for its
// result — the "request/reply" shape of every client method below, built
// on top of the plain inbox channel rather than a generated message enum.
func call[T any](a *Actor, fn func(db *sql.DB) (T, error)) (T, error) {
	var zero T
	resultCh := make(chan struct {
		v   T
		err error
	}, 1)

	err := a.send(func(sqlDB *sql.DB) error {
		v, err := fn(sqlDB)
		resultCh <- struct {
			v   T
			err error
		}{v, err}
		return err
	})
	if err != nil {
		return zero, err
	}

	r := <-resultCh
	return r.v, r.err
}

func withTx[T any](sqlDB *sql.DB, fn func(tx *sql.Tx) (T, error)) (T, error) {
	var zero T
	tx, err := sqlDB.Begin()
	if err != nil {
		return zero, apperr.Wrap(apperr.KindDb, err, "begin transaction")
	}
	v, err := fn(tx)
	if err != nil {
		tx.Rollback()
		return zero, err
	}
	if err := tx.Commit(); err != nil {
		return zero, apperr.Wrap(apperr.KindDb, err, "commit transaction")
	}
	return v, nil
}

// UpsertWorkshopItem inserts (workshopid, version) if absent; otherwise
// updates title/authors and returns the existing pk. Never changes version.
func (a *Actor) UpsertWorkshopItem(workshopid types.WorkshopID, version int64, title string, authors []string) (didInsert bool, pk int64, err error) {
	type result struct {
		inserted bool
		pk       int64
	}
	r, err := call(a, func(sqlDB *sql.DB) (result, error) {
		return withTx(sqlDB, func(tx *sql.Tx) (result, error) {
			authorsJSON, jerr := json.Marshal(authors)
			if jerr != nil {
				return result{}, apperr.Wrap(apperr.KindDb, jerr, "marshal authors")
			}

			var existingPK int64
			err := tx.QueryRow(`SELECT pk FROM workshop_item WHERE workshopid = ? AND version = ?`, string(workshopid), version).Scan(&existingPK)
			switch {
			case err == sql.ErrNoRows:
				pk, perr := nextPK(tx)
				if perr != nil {
					return result{}, apperr.Wrap(apperr.KindDb, perr, "allocate pk")
				}
				_, err := tx.Exec(`INSERT INTO workshop_item (pk, workshopid, version, title, authors) VALUES (?, ?, ?, ?, ?)`,
					pk, string(workshopid), version, title, string(authorsJSON))
				if err != nil {
					return result{}, apperr.Wrap(apperr.KindDb, err, "insert workshop_item").
						With("workshopid", workshopid).With("version", version)
				}
				return result{inserted: true, pk: pk}, nil
			case err != nil:
				return result{}, apperr.Wrap(apperr.KindDb, err, "select workshop_item")
			default:
				_, err := tx.Exec(`UPDATE workshop_item SET title = ?, authors = ? WHERE pk = ?`, title, string(authorsJSON), existingPK)
				if err != nil {
					return result{}, apperr.Wrap(apperr.KindDb, err, "update workshop_item").With("pk", existingPK)
				}
				return result{inserted: false, pk: existingPK}, nil
			}
		})
	})
	return r.inserted, r.pk, err
}

// SaveFile inserts a File; on etag conflict it returns the pre-existing
// file's pk instead (dedup). Then sets workshop_item.file = file_pk.
// Fails if itemPK does not exist.
func (a *Actor) SaveFile(itemPK int64, size int64, etag *types.ETag, data []byte) (filePK int64, err error) {
	return call(a, func(sqlDB *sql.DB) (int64, error) {
		return withTx(sqlDB, func(tx *sql.Tx) (int64, error) {
			var existing sql.NullInt64
			if etag != nil {
				if err := tx.QueryRow(`SELECT pk FROM file WHERE etag = ?`, string(*etag)).Scan(&existing); err != nil && err != sql.ErrNoRows {
					return 0, apperr.Wrap(apperr.KindDb, err, "select file by etag")
				}
			}

			var pk int64
			if existing.Valid {
				pk = existing.Int64
			} else {
				newPK, err := nextPK(tx)
				if err != nil {
					return 0, apperr.Wrap(apperr.KindDb, err, "allocate pk")
				}
				var etagVal any
				if etag != nil {
					etagVal = string(*etag)
				}
				if _, err := tx.Exec(`INSERT INTO file (pk, size, etag, data) VALUES (?, ?, ?, ?)`, newPK, size, etagVal, data); err != nil {
					return 0, apperr.Wrap(apperr.KindDb, err, "insert file").With("size", size)
				}
				pk = newPK
			}

			res, err := tx.Exec(`UPDATE workshop_item SET file = ? WHERE pk = ?`, pk, itemPK)
			if err != nil {
				return 0, apperr.Wrap(apperr.KindDb, err, "attach file to item").With("item_pk", itemPK)
			}
			if n, _ := res.RowsAffected(); n == 0 {
				return 0, apperr.New(apperr.KindDb, fmt.Sprintf("workshop_item %d does not exist", itemPK))
			}
			return pk, nil
		})
	})
}

// SaveContentPackage upserts the 1:1 parsed-archive metadata for filePK.
func (a *Actor) SaveContentPackage(filePK int64, name, versionString string) (int64, error) {
	return call(a, func(sqlDB *sql.DB) (int64, error) {
		_, err := sqlDB.Exec(`INSERT INTO content_package (pk, name, version_string) VALUES (?, ?, ?)
			ON CONFLICT (pk) DO UPDATE SET name = excluded.name, version_string = excluded.version_string`,
			filePK, name, versionString)
		if err != nil {
			return 0, apperr.Wrap(apperr.KindDb, err, "upsert content_package").With("file_pk", filePK)
		}
		return filePK, nil
	})
}

func scanWorkshopItem(row interface{ Scan(...any) error }) (*types.WorkshopItem, error) {
	var item types.WorkshopItem
	var authorsJSON string
	var filePK sql.NullInt64
	var contentName, contentVersion sql.NullString
	if err := row.Scan(&item.PK, &item.WorkshopID, &item.Version, &item.Title, &authorsJSON, &filePK, &contentName, &contentVersion); err != nil {
		return nil, err
	}
	_ = json.Unmarshal([]byte(authorsJSON), &item.Authors)
	if filePK.Valid {
		pk := filePK.Int64
		item.FilePK = &pk
	}
	if contentName.Valid {
		item.Content = &types.ContentPackage{PK: filePK.Int64, Name: contentName.String, VersionString: contentVersion.String}
	}
	return &item, nil
}

const workshopItemSelect = `
	SELECT wi.pk, wi.workshopid, wi.version, wi.title, wi.authors, wi.file, cp.name, cp.version_string
	FROM workshop_item wi
	LEFT JOIN content_package cp ON cp.pk = wi.file
`

// WorkshopItemByPK returns the item, or (nil, nil) if it doesn't exist.
func (a *Actor) WorkshopItemByPK(pk int64) (*types.WorkshopItem, error) {
	return call(a, func(sqlDB *sql.DB) (*types.WorkshopItem, error) {
		row := sqlDB.QueryRow(workshopItemSelect+" WHERE wi.pk = ?", pk)
		item, err := scanWorkshopItem(row)
		if err == sql.ErrNoRows {
			return nil, nil
		}
		if err != nil {
			return nil, apperr.Wrap(apperr.KindDb, err, "select workshop_item by pk").With("pk", pk)
		}
		return item, nil
	})
}

// WorkshopItems returns every version on record for workshopid.
func (a *Actor) WorkshopItems(workshopid types.WorkshopID) ([]*types.WorkshopItem, error) {
	return call(a, func(sqlDB *sql.DB) ([]*types.WorkshopItem, error) {
		rows, err := sqlDB.Query(workshopItemSelect+" WHERE wi.workshopid = ? ORDER BY wi.version", string(workshopid))
		if err != nil {
			return nil, apperr.Wrap(apperr.KindDb, err, "select workshop_items").With("workshopid", workshopid)
		}
		defer rows.Close()

		var out []*types.WorkshopItem
		for rows.Next() {
			item, err := scanWorkshopItem(rows)
			if err != nil {
				return nil, apperr.Wrap(apperr.KindDb, err, "scan workshop_item")
			}
			out = append(out, item)
		}
		return out, rows.Err()
	})
}

// WorkshopItemFile returns the attached file's raw bytes, if any.
func (a *Actor) WorkshopItemFile(pk int64) ([]byte, error) {
	return call(a, func(sqlDB *sql.DB) ([]byte, error) {
		var data []byte
		err := sqlDB.QueryRow(`
			SELECT f.data FROM workshop_item wi
			JOIN file f ON f.pk = wi.file
			WHERE wi.pk = ?`, pk).Scan(&data)
		if err == sql.ErrNoRows {
			return nil, nil
		}
		if err != nil {
			return nil, apperr.Wrap(apperr.KindDb, err, "select workshop_item_file").With("pk", pk)
		}
		return data, nil
	})
}

// BuildFragment returns a build's fragment bytes, if any.
func (a *Actor) BuildFragment(pk int64) ([]byte, error) {
	return call(a, func(sqlDB *sql.DB) ([]byte, error) {
		var data []byte
		err := sqlDB.QueryRow(`SELECT fragment FROM build WHERE pk = ?`, pk).Scan(&data)
		if err == sql.ErrNoRows {
			return nil, nil
		}
		if err != nil {
			return nil, apperr.Wrap(apperr.KindDb, err, "select build_fragment").With("pk", pk)
		}
		return data, nil
	})
}

// SaveBuildResult is SaveBuild's outcome: PK is set when the build was
// inserted, Missing lists the item pks without a file when it was not.
type SaveBuildResult struct {
	PK      int64
	Missing []int64
}

// SaveBuild scans itemPKs for file IS NOT NULL; if any fail it returns
// them verbatim and inserts nothing (atomic rejection). Otherwise it
// inserts the build and its ordered build_item rows.
func (a *Actor) SaveBuild(name string, itemPKs []int64) (SaveBuildResult, error) {
	return call(a, func(sqlDB *sql.DB) (SaveBuildResult, error) {
		return withTx(sqlDB, func(tx *sql.Tx) (SaveBuildResult, error) {
			var missing []int64
			for _, itemPK := range itemPKs {
				var hasFile sql.NullInt64
				err := tx.QueryRow(`SELECT file FROM workshop_item WHERE pk = ?`, itemPK).Scan(&hasFile)
				if err == sql.ErrNoRows || !hasFile.Valid {
					missing = append(missing, itemPK)
					continue
				}
				if err != nil {
					return SaveBuildResult{}, apperr.Wrap(apperr.KindDb, err, "select workshop_item for build").With("item_pk", itemPK)
				}
			}
			if len(missing) > 0 {
				return SaveBuildResult{Missing: missing}, nil
			}

			pk, err := nextPK(tx)
			if err != nil {
				return SaveBuildResult{}, apperr.Wrap(apperr.KindDb, err, "allocate pk")
			}
			if _, err := tx.Exec(`INSERT INTO build (pk, name) VALUES (?, ?)`, pk, name); err != nil {
				return SaveBuildResult{}, apperr.Wrap(apperr.KindDb, err, "insert build").With("name", name)
			}
			for i, itemPK := range itemPKs {
				if _, err := tx.Exec(`INSERT INTO build_item (build_pk, item_pk, sort_index) VALUES (?, ?, ?)`, pk, itemPK, i); err != nil {
					return SaveBuildResult{}, apperr.Wrap(apperr.KindDb, err, "insert build_item").With("item_pk", itemPK)
				}
			}
			return SaveBuildResult{PK: pk}, nil
		})
	})
}

// ItemFile is one (item_pk, file bytes) pair in a build's sort order.
type ItemFile struct {
	ItemPK int64
	Data   []byte
}

// BuildItemFiles returns a build's item file blobs in sort order.
func (a *Actor) BuildItemFiles(pk int64) ([]ItemFile, error) {
	return call(a, func(sqlDB *sql.DB) ([]ItemFile, error) {
		rows, err := sqlDB.Query(`
			SELECT bi.item_pk, f.data
			FROM build_item bi
			JOIN workshop_item wi ON wi.pk = bi.item_pk
			JOIN file f ON f.pk = wi.file
			WHERE bi.build_pk = ?
			ORDER BY bi.sort_index`, pk)
		if err != nil {
			return nil, apperr.Wrap(apperr.KindDb, err, "select build_item_files").With("pk", pk)
		}
		defer rows.Close()

		var out []ItemFile
		for rows.Next() {
			var f ItemFile
			if err := rows.Scan(&f.ItemPK, &f.Data); err != nil {
				return nil, apperr.Wrap(apperr.KindDb, err, "scan build_item_files")
			}
			out = append(out, f)
		}
		return out, rows.Err()
	})
}

// SaveBuildResultFields finalizes a build exactly once.
func (a *Actor) SaveBuildResultFields(pk int64, exitCode int64, output string, fragment []byte) error {
	_, err := call(a, func(sqlDB *sql.DB) (struct{}, error) {
		_, err := sqlDB.Exec(`UPDATE build SET exit_code = ?, output = ?, fragment = ? WHERE pk = ?`, exitCode, output, fragment, pk)
		if err != nil {
			return struct{}{}, apperr.Wrap(apperr.KindDb, err, "save build result").With("pk", pk)
		}
		return struct{}{}, nil
	})
	return err
}

// GetBuild returns a build with its items in sort order and a published
// hint, or (nil, nil) if it doesn't exist.
func (a *Actor) GetBuild(pk int64) (*types.Build, error) {
	return call(a, func(sqlDB *sql.DB) (*types.Build, error) {
		var b types.Build
		var exitCode sql.NullInt64
		var output sql.NullString
		var fragment []byte
		err := sqlDB.QueryRow(`SELECT pk, name, exit_code, output, fragment FROM build WHERE pk = ?`, pk).
			Scan(&b.PK, &b.Name, &exitCode, &output, &fragment)
		if err == sql.ErrNoRows {
			return nil, nil
		}
		if err != nil {
			return nil, apperr.Wrap(apperr.KindDb, err, "select build").With("pk", pk)
		}
		if exitCode.Valid {
			v := exitCode.Int64
			b.ExitCode = &v
		}
		b.Output = output.String
		b.Fragment = fragment

		rows, err := sqlDB.Query(`SELECT item_pk, sort_index FROM build_item WHERE build_pk = ? ORDER BY sort_index`, pk)
		if err != nil {
			return nil, apperr.Wrap(apperr.KindDb, err, "select build_item").With("pk", pk)
		}
		defer rows.Close()
		for rows.Next() {
			var ref types.BuildItemRef
			if err := rows.Scan(&ref.ItemPK, &ref.SortIndex); err != nil {
				return nil, apperr.Wrap(apperr.KindDb, err, "scan build_item")
			}
			b.Items = append(b.Items, ref)
		}
		if err := rows.Err(); err != nil {
			return nil, err
		}

		var published sql.NullInt64
		if err := sqlDB.QueryRow(`SELECT MAX(publish_pk) FROM publish_item WHERE build_pk = ?`, pk).Scan(&published); err != nil {
			return nil, apperr.Wrap(apperr.KindDb, err, "select published hint").With("pk", pk)
		}
		if published.Valid {
			v := published.Int64
			b.Published = &v
		}
		return &b, nil
	})
}

// Fragment is one build's fragment bytes, returned by NewPublish.
type Fragment struct {
	BuildPK  int64
	Fragment []byte
}

// NewPublishResult is the return value of NewPublish.
type NewPublishResult struct {
	PK        int64
	Fragments []Fragment
}

// NewPublish atomically allocates a Publish row, links every build whose
// fragment is non-empty at this instant, and returns their fragments.
func (a *Actor) NewPublish() (NewPublishResult, error) {
	return call(a, func(sqlDB *sql.DB) (NewPublishResult, error) {
		return withTx(sqlDB, func(tx *sql.Tx) (NewPublishResult, error) {
			pk, err := nextPK(tx)
			if err != nil {
				return NewPublishResult{}, apperr.Wrap(apperr.KindDb, err, "allocate pk")
			}
			if _, err := tx.Exec(`INSERT INTO publish (pk) VALUES (?)`, pk); err != nil {
				return NewPublishResult{}, apperr.Wrap(apperr.KindDb, err, "insert publish")
			}

			rows, err := tx.Query(`SELECT pk, fragment FROM build WHERE fragment IS NOT NULL AND length(fragment) > 0`)
			if err != nil {
				return NewPublishResult{}, apperr.Wrap(apperr.KindDb, err, "select ready builds")
			}
			defer rows.Close()

			var fragments []Fragment
			for rows.Next() {
				var f Fragment
				if err := rows.Scan(&f.BuildPK, &f.Fragment); err != nil {
					return NewPublishResult{}, apperr.Wrap(apperr.KindDb, err, "scan ready build")
				}
				fragments = append(fragments, f)
			}
			if err := rows.Err(); err != nil {
				return NewPublishResult{}, err
			}

			for _, f := range fragments {
				if _, err := tx.Exec(`INSERT INTO publish_item (publish_pk, build_pk) VALUES (?, ?)`, pk, f.BuildPK); err != nil {
					return NewPublishResult{}, apperr.Wrap(apperr.KindDb, err, "insert publish_item").With("build_pk", f.BuildPK)
				}
			}

			return NewPublishResult{PK: pk, Fragments: fragments}, nil
		})
	})
}

// SavePublishResult finalizes a publish exactly once.
func (a *Actor) SavePublishResult(pk int64, exitCode int64, output, publicURL string) error {
	_, err := call(a, func(sqlDB *sql.DB) (struct{}, error) {
		_, err := sqlDB.Exec(`UPDATE publish SET exit_code = ?, output = ?, public_url = ? WHERE pk = ?`, exitCode, output, publicURL, pk)
		if err != nil {
			return struct{}{}, apperr.Wrap(apperr.KindDb, err, "save publish result").With("pk", pk)
		}
		return struct{}{}, nil
	})
	return err
}

// GetPublish returns a publish, or (nil, nil) if it doesn't exist.
func (a *Actor) GetPublish(pk int64) (*types.Publish, error) {
	return call(a, func(sqlDB *sql.DB) (*types.Publish, error) {
		var p types.Publish
		var exitCode sql.NullInt64
		var output, publicURL sql.NullString
		err := sqlDB.QueryRow(`SELECT pk, exit_code, output, public_url FROM publish WHERE pk = ?`, pk).
			Scan(&p.PK, &exitCode, &output, &publicURL)
		if err == sql.ErrNoRows {
			return nil, nil
		}
		if err != nil {
			return nil, apperr.Wrap(apperr.KindDb, err, "select publish").With("pk", pk)
		}
		if exitCode.Valid {
			v := exitCode.Int64
			p.ExitCode = &v
		}
		p.Output = output.String
		p.PublicURL = publicURL.String
		return &p, nil
	})
}
