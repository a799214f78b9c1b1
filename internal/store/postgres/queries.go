package postgres

const jobColumns = `
    job_group, job_name, kind, description, durable, non_concurrent,
    requests_recovery, pause_after_failures, consecutive_failures, data,
    created_at, updated_at`

const triggerColumns = `
    trigger_group, trigger_name, job_group, job_name, schedule, priority, state,
    next_fire_time, prev_fire_time, misfire_instruction, times_triggered,
    recovering, last_error, data, created_at, updated_at`

const firedColumns = `
    id, trigger_group, trigger_name, node_id, acquired_at, job_group, job_name,
    priority, scheduled_fire_time, fire_time, state, requests_recovery, recovering`

const nodeColumns = `node_id, last_seen, started_at, running`

// queryAdvisoryLock serializes every trigger state transition across the
// cluster. The lock is released when the transaction ends.
const queryAdvisoryLock = `SELECT pg_advisory_xact_lock($1)`

const queryInsertJob = `
INSERT INTO cf_jobs (` + jobColumns + `)
VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12)
`

const queryUpsertJob = `
INSERT INTO cf_jobs (` + jobColumns + `)
VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12)
ON CONFLICT (job_group, job_name) DO UPDATE SET
    kind = EXCLUDED.kind,
    description = EXCLUDED.description,
    durable = EXCLUDED.durable,
    non_concurrent = EXCLUDED.non_concurrent,
    requests_recovery = EXCLUDED.requests_recovery,
    pause_after_failures = EXCLUDED.pause_after_failures,
    data = EXCLUDED.data,
    updated_at = EXCLUDED.updated_at
`

const queryGetJob = `
SELECT ` + jobColumns + `
FROM cf_jobs
WHERE job_group = $1 AND job_name = $2
`

const queryListJobs = `
SELECT ` + jobColumns + `
FROM cf_jobs
WHERE $1 = '' OR job_group = $1
ORDER BY job_group, job_name
`

const queryUpdateJobData = `
UPDATE cf_jobs
SET data = $3, updated_at = $4
WHERE job_group = $1 AND job_name = $2
`

const queryUpdateJobFailures = `
UPDATE cf_jobs
SET consecutive_failures = $3, updated_at = $4
WHERE job_group = $1 AND job_name = $2
`

const queryDeleteJob = `
DELETE FROM cf_jobs
WHERE job_group = $1 AND job_name = $2
`

const queryCountJobTriggers = `
SELECT COUNT(*) FROM cf_triggers
WHERE job_group = $1 AND job_name = $2
`

const queryInsertTrigger = `
INSERT INTO cf_triggers (` + triggerColumns + `)
VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13, $14, $15, $16)
`

// queryUpdateTrigger writes back a trigger loaded earlier in the same
// transaction.
const queryUpdateTrigger = `
UPDATE cf_triggers SET
    job_group = $3, job_name = $4, schedule = $5, priority = $6, state = $7,
    next_fire_time = $8, prev_fire_time = $9, misfire_instruction = $10,
    times_triggered = $11, recovering = $12, last_error = $13, data = $14,
    updated_at = $15
WHERE trigger_group = $1 AND trigger_name = $2
`

const queryGetTrigger = `
SELECT ` + triggerColumns + `
FROM cf_triggers
WHERE trigger_group = $1 AND trigger_name = $2
`

const queryGetTriggerForUpdate = queryGetTrigger + `FOR UPDATE`

const queryListTriggersForJob = `
SELECT ` + triggerColumns + `
FROM cf_triggers
WHERE job_group = $1 AND job_name = $2
ORDER BY trigger_group, trigger_name
FOR UPDATE
`

const queryDeleteTrigger = `
DELETE FROM cf_triggers
WHERE trigger_group = $1 AND trigger_name = $2
`

// queryMisfiredTriggers ignores triggers being re-fired by recovery.
const queryMisfiredTriggers = `
SELECT ` + triggerColumns + `
FROM cf_triggers
WHERE state = 'WAITING'
  AND next_fire_time < $1
  AND NOT recovering
ORDER BY next_fire_time ASC
FOR UPDATE SKIP LOCKED
`

const queryAcquireCandidates = `
SELECT ` + triggerColumns + `
FROM cf_triggers t
WHERE t.state = 'WAITING'
  AND t.next_fire_time <= $1
  AND NOT EXISTS (
      SELECT 1 FROM cf_fired_triggers f
      WHERE f.trigger_group = t.trigger_group AND f.trigger_name = t.trigger_name
  )
ORDER BY t.next_fire_time ASC, t.priority DESC, t.trigger_group, t.trigger_name
LIMIT $2
FOR UPDATE SKIP LOCKED
`

// queryMarkAcquired is the compare-and-set guarding the WAITING -> ACQUIRED
// transition.
const queryMarkAcquired = `
UPDATE cf_triggers
SET state = 'ACQUIRED', next_fire_time = $3, updated_at = $4
WHERE trigger_group = $1 AND trigger_name = $2
  AND state = 'WAITING'
`

const queryBlockSiblings = `
UPDATE cf_triggers
SET state = 'BLOCKED'
WHERE job_group = $1 AND job_name = $2
  AND state = 'WAITING'
  AND NOT (trigger_group = $3 AND trigger_name = $4)
`

const queryUnblockJob = `
UPDATE cf_triggers
SET state = 'WAITING'
WHERE job_group = $1 AND job_name = $2
  AND state = 'BLOCKED'
`

const queryPauseJobTriggers = `
UPDATE cf_triggers
SET state = 'PAUSED', updated_at = $3
WHERE job_group = $1 AND job_name = $2
  AND state <> 'COMPLETE'
`

const queryNextFireTime = `
SELECT MIN(next_fire_time)
FROM cf_triggers
WHERE state = 'WAITING'
`

const queryJobBusy = `
SELECT EXISTS (
    SELECT 1 FROM cf_fired_triggers
    WHERE job_group = $1 AND job_name = $2
)
`

const queryInsertFired = `
INSERT INTO cf_fired_triggers (` + firedColumns + `)
VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13)
`

const queryGetFiredForUpdate = `
SELECT ` + firedColumns + `
FROM cf_fired_triggers
WHERE id = $1
FOR UPDATE
`

const queryGetFiredByTrigger = `
SELECT ` + firedColumns + `
FROM cf_fired_triggers
WHERE trigger_group = $1 AND trigger_name = $2
`

const queryListFired = `
SELECT ` + firedColumns + `
FROM cf_fired_triggers
WHERE $1 = '' OR node_id = $1
ORDER BY acquired_at ASC
`

const queryListFiredForNode = `
SELECT ` + firedColumns + `
FROM cf_fired_triggers
WHERE node_id = $1
ORDER BY acquired_at ASC
FOR UPDATE
`

const queryMarkExecuting = `
UPDATE cf_fired_triggers
SET state = 'EXECUTING'
WHERE id = $1 AND state = 'ACQUIRED'
`

const queryTriggerExecuting = `
UPDATE cf_triggers
SET state = 'EXECUTING', updated_at = $3
WHERE trigger_group = $1 AND trigger_name = $2
  AND state = 'ACQUIRED'
`

const queryDeleteFired = `
DELETE FROM cf_fired_triggers
WHERE id = $1
`

const queryUpsertHeartbeat = `
INSERT INTO cf_nodes (` + nodeColumns + `)
VALUES ($1, now(), now(), true)
ON CONFLICT (node_id) DO UPDATE SET
    last_seen = EXCLUDED.last_seen,
    started_at = CASE WHEN cf_nodes.running THEN cf_nodes.started_at ELSE EXCLUDED.started_at END,
    running = true
`

const queryMarkNodeStopped = `
UPDATE cf_nodes
SET running = false
WHERE node_id = $1
`

const queryListNodes = `
SELECT ` + nodeColumns + `
FROM cf_nodes
ORDER BY node_id
`

const queryListDeadNodes = `
SELECT ` + nodeColumns + `
FROM cf_nodes
WHERE NOT running OR last_seen < now() - make_interval(secs => $1)
ORDER BY node_id
`

const queryDeleteNode = `
DELETE FROM cf_nodes
WHERE node_id = $1
`
