// Package taskmon is the core of the taskmon application: a supervisor for
// long-running background processes ("tasks") on a single host.
//
// Mechanism of Operation
//
// Every invocation of taskmon loads the task registry, performs one operation
// and saves the registry again. The registry is guarded by a file lock for the
// whole load-mutate-save cycle, so overlapping invocations never lose each
// other's updates. In-memory state is never assumed to be authoritative across
// invocations.
//
// Tasks are started as leaders of their own process group and outlive the
// invocation that started them. Their standard output and standard error are
// appended straight into capture files owned by the task's ID, so no taskmon
// process has to stay around to copy output.
//
// Since a task is usually not a child of the invocation that inspects it, its
// status is reconciled against the OS process table whenever it is looked at.
// A "running" task whose process is gone is corrected to stopped or failed,
// and failed tasks with automatic restarts enabled are relaunched with a
// backoff delay, up to a bounded number of attempts. An optional daemon
// (Monitor) performs the same reconciliation continuously.
//
// The directory tree of a taskmon installation may look like this:
//
//    - ~/.config/taskmon/
//        - config.yaml
//        - tasks.json
//        - tasks.json.lock
//        - journal.jsonl
//        - logs/
//            - 5f0c1f43-.../
//                - stdout.log
//                - stdout.log.old
//                - stderr.log
//
package taskmon
