// Package rollback reverts multi-plugin work through declarative
// plans. A plan is a DAG of operations; validation rejects cycles and
// dangling dependencies, ordering puts critical and higher-priority
// operations first within each dependency class, and the executor
// runs operations sequentially with per-operation timeout, retry, and
// optional compensation.
package rollback
