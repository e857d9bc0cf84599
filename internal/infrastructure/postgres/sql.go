package postgres

const insertFlushFenceSQL = `
INSERT INTO job_view_flushes (batch_id, job_id, delta, applied_at)
VALUES ($1, $2, $3, $4)
ON CONFLICT (batch_id) DO NOTHING
`

const applyViewDeltaSQL = `
UPDATE jobs
SET view_count = view_count + $2,
    views_synced_at = $3
WHERE id = $1
`

const flushAppliedSQL = `
SELECT EXISTS (SELECT 1 FROM job_view_flushes WHERE batch_id = $1)
`

const readViewCountSQL = `
SELECT j.view_count,
       EXISTS (SELECT 1 FROM job_view_flushes f WHERE f.batch_id = $2)
FROM jobs j
WHERE j.id = $1
`

const readViewCountsSQL = `
SELECT j.id, j.view_count,
       EXISTS (SELECT 1 FROM job_view_flushes f WHERE f.batch_id = r.batch)
FROM unnest($1::uuid[], $2::text[]) AS r(id, batch)
JOIN jobs j ON j.id = r.id
`

const deleteRawEventsBeforeSQL = `
DELETE FROM job_view_events
WHERE id IN (
  SELECT id FROM job_view_events
  WHERE viewed_at < $1
  ORDER BY viewed_at
  LIMIT $2
)
`

// Fence rows of batches still in-flight are kept: if one went, the next settle attempt
// would apply that batch a second time.
const deleteFlushLogBeforeSQL = `
DELETE FROM job_view_flushes
WHERE batch_id IN (
  SELECT batch_id FROM job_view_flushes
  WHERE applied_at < $1
    AND NOT (batch_id = ANY($3::text[]))
  ORDER BY applied_at
  LIMIT $2
)
`
