package polls

import (
	"errors"
	"fmt"
	"strings"
)

var (
	// ErrNotFound indicates that a root key has no live question set.
	ErrNotFound = errors.New("polls: question set not found")
	// ErrMalformedPayload indicates that a stored record could not be decoded into the expected shape.
	ErrMalformedPayload = errors.New("polls: malformed stored payload")
	// ErrInvalidPayload indicates that caller-supplied questions or votes are unusable.
	ErrInvalidPayload = errors.New("polls: invalid payload")
)

// Answer is one selectable option of a question.
type Answer struct {
	ID   string `json:"key"`
	Text string `json:"answer"`
}

// Question is a prompt with its answers.
type Question struct {
	ID      string   `json:"key"`
	Text    string   `json:"question"`
	Answers []Answer `json:"answers"`
}

// QuestionSet is the ordered list of questions stored under a root key.
type QuestionSet []Question

// Vote is one respondent choice. Value is free-form; AnswerID names the answer it counts toward.
type Vote struct {
	Value      string `json:"vote"`
	AnswerID   string `json:"answer_key"`
	QuestionID string `json:"question_key,omitempty"`
}

// VoteBatch is written once under a composite key and never mutated.
type VoteBatch []Vote

// Tally maps answer identifier to vote value to count.
type Tally map[string]map[string]int

// Count returns the tally for one answer and value.
func (t Tally) Count(answerID, value string) int {
	return t[answerID][value]
}

// TallyResult is the computed view of a poll. It is never persisted.
type TallyResult struct {
	Questions QuestionSet
	Counts    Tally
	// Batches is the number of vote batches folded into Counts.
	Batches   int
	// Skipped is the number of listed batches that expired before they were read.
	Skipped   int
	// Orphaned is the number of vote entries whose answer identifier is not in Questions.
	Orphaned  int
}

func (set QuestionSet) answerIDs() map[string]struct{} {
	ids := make(map[string]struct{})
	for _, question := range set {
		for _, answer := range question.Answers {
			ids[answer.ID] = struct{}{}
		}
	}
	return ids
}

func validateQuestionSet(set QuestionSet) error {
	if len(set) == 0 {
		return fmt.Errorf("%w: at least one question is required", ErrInvalidPayload)
	}
	for questionIndex, question := range set {
		if strings.TrimSpace(question.Text) == "" {
			return fmt.Errorf("%w: question %d has no text", ErrInvalidPayload, questionIndex)
		}
		if len(question.Answers) == 0 {
			return fmt.Errorf("%w: question %d has no answers", ErrInvalidPayload, questionIndex)
		}
		for answerIndex, answer := range question.Answers {
			if strings.TrimSpace(answer.Text) == "" {
				return fmt.Errorf("%w: question %d answer %d has no text", ErrInvalidPayload, questionIndex, answerIndex)
			}
		}
	}
	return nil
}

func validateVoteBatch(batch VoteBatch) error {
	if len(batch) == 0 {
		return fmt.Errorf("%w: at least one vote is required", ErrInvalidPayload)
	}
	for index, vote := range batch {
		if strings.TrimSpace(vote.AnswerID) == "" {
			return fmt.Errorf("%w: vote %d has no answer key", ErrInvalidPayload, index)
		}
	}
	return nil
}
