package kernel

// TaskID names a task in the task table. Zero is reserved: it never
// identifies a task and marks a message with no meaningful sender.
type TaskID uint8

// AnyTask matches any task in contexts that accept a wildcard.
const AnyTask TaskID = 0

// Opcode identifies the message type carried in Message.Op.
type Opcode uint8

const (
	OpNone Opcode = iota

	// OpJob submits a caller-owned job record; Info holds a Jobber.
	OpJob
	// OpCancel revokes a previously submitted job; Info holds the same Jobber.
	OpCancel
	// OpReplyResult completes an operation with a bare status.
	OpReplyResult
	// OpReplyInfo completes a job; Info holds the caller's Jobber, whose
	// header status carries the outcome.
	OpReplyInfo
	// OpReplyData completes an operation with a status and a long in Value.
	OpReplyData
	// OpNotEmpty signals that a producer-side queue became non-empty.
	OpNotEmpty
	// OpNotBusy signals sub-operation completion from interrupt context.
	OpNotBusy
	// OpAlarm delivers an expired clock alarm.
	OpAlarm
	// OpAlarmSet asks the clock to (re)arm the sender's alarm; Value is the
	// delay in milliseconds. Fire and forget.
	OpAlarmSet
	// OpAlarmCancel drops the sender's pending alarm, silently.
	OpAlarmCancel
	// OpInit asks a task to run its initialization chain.
	OpInit
	// OpInitOK is the self-posted end of a multi-step initialization.
	OpInitOK
	// OpStart starts a director recipe.
	OpStart
	// OpStop requests graceful shutdown at the next recipe boundary.
	OpStop
	// OpSetIoctl carries a configuration change: Sel selects the knob,
	// Value the long argument. Receivers answer with OpReplyResult.
	OpSetIoctl
	// OpMediaChange invalidates a block-device driver's initialization.
	OpMediaChange

	// OpAppBase is the first opcode available for receiver-defined
	// vocabulary. Application opcodes are scoped per receiver: two tasks
	// may reuse the same value for unrelated meanings.
	OpAppBase Opcode = 32
)

func (o Opcode) String() string {
	switch o {
	case OpNone:
		return "none"
	case OpJob:
		return "job"
	case OpCancel:
		return "cancel"
	case OpReplyResult:
		return "reply_result"
	case OpReplyInfo:
		return "reply_info"
	case OpReplyData:
		return "reply_data"
	case OpNotEmpty:
		return "not_empty"
	case OpNotBusy:
		return "not_busy"
	case OpAlarm:
		return "alarm"
	case OpAlarmSet:
		return "alarm_set"
	case OpAlarmCancel:
		return "alarm_cancel"
	case OpInit:
		return "init"
	case OpInitOK:
		return "init_ok"
	case OpStart:
		return "start"
	case OpStop:
		return "stop"
	case OpSetIoctl:
		return "set_ioctl"
	case OpMediaChange:
		return "media_change"
	default:
		if o >= OpAppBase {
			return "app"
		}
		return "unknown"
	}
}

// Message is the fixed-size envelope every task communicates with. It is a
// value type: enqueueing copies it, dequeueing copies it back out. Which of
// the payload slots is meaningful is fixed by Op.
type Message struct {
	Sender   TaskID
	Receiver TaskID
	Op       Opcode

	// Status is the one-byte result slot (OpReplyResult, OpReplyData,
	// OpNotBusy).
	Status Status
	// Value is the long slot (OpReplyData, OpAlarmSet, OpSetIoctl count).
	Value int32
	// Sel is the ioctl selector slot (OpSetIoctl).
	Sel uint8
	// Info is the pointer-sized reference slot (OpJob, OpCancel,
	// OpReplyInfo, driver-internal sub-operation payloads).
	Info any
}
