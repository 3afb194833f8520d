package queue

import (
	"encoding/json"
	"time"
)

// ScheduleCloseQuestion enqueues a close_question timer item for questionID
// onto global, eligible for dispatch once endTime passes. The on-disk queue
// already schedules by filename timestamp, so no separate cron entry is
// needed the way SchedulePurge needs one for its recurring sweep — one item
// per poll is enough.
func ScheduleCloseQuestion(global *Queue, questionID string, endTime time.Time) error {
	msg, err := json.Marshal(questionID)
	if err != nil {
		return err
	}
	return global.Enqueue(Item{Kind: KindCloseQuestion, Message: msg}, endTime)
}
