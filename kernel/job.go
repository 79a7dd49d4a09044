package kernel

// Job is the common header embedded at the top of every job record. The
// record itself is caller-owned: submitting it lends exclusive access to
// the callee until the matching OpReplyInfo returns ownership. A record is
// linked into at most one queue at a time.
type Job struct {
	next Jobber

	// ReplyTo is filled in on submission; the completion reply goes there.
	ReplyTo TaskID
	// Status carries the outcome once the reply has been posted.
	Status Status

	canceled bool
}

// Cancel marks an in-flight job for termination at the driver's next safe
// state. Driver handlers call this; callers use Context.CancelJob.
func (j *Job) Cancel() { j.canceled = true }

// Canceled reports whether the job was marked for termination.
func (j *Job) Canceled() bool { return j.canceled }

// Jobber is implemented by every job record type; Header exposes the
// embedded Job so queues and the scheduler can link and complete records
// without knowing their concrete type.
type Jobber interface {
	Header() *Job
}

// JobQueue is the intrusive FIFO every job-accepting task keeps. It owns
// no storage: it threads the caller-owned records together through their
// headers.
type JobQueue struct {
	head Jobber
	tail Jobber
}

// Empty reports whether the queue holds no jobs.
func (q *JobQueue) Empty() bool { return q.head == nil }

// Head returns the job currently at the front, the one in execution.
func (q *JobQueue) Head() Jobber { return q.head }

// Push appends a job. It returns true when the queue was empty, i.e. the
// caller should start executing immediately.
func (q *JobQueue) Push(j Jobber) bool {
	j.Header().next = nil
	if q.head == nil {
		q.head = j
		q.tail = j
		return true
	}
	q.tail.Header().next = j
	q.tail = j
	return false
}

// Pop advances past the front job and returns the next one to execute, if
// any.
func (q *JobQueue) Pop() Jobber {
	h := q.head.Header()
	q.head = h.next
	h.next = nil
	if q.head == nil {
		q.tail = nil
	}
	return q.head
}

// Remove unlinks a queued-but-not-started job. It refuses the front job
// (that one is in flight and must be cancelled through its header instead)
// and returns false when the record is not in the queue.
func (q *JobQueue) Remove(j Jobber) bool {
	if q.head == nil || q.head == j {
		return false
	}
	prev := q.head
	for cur := prev.Header().next; cur != nil; cur = cur.Header().next {
		if cur == j {
			prev.Header().next = cur.Header().next
			if q.tail == j {
				q.tail = prev
			}
			cur.Header().next = nil
			return true
		}
		prev = cur
	}
	return false
}
