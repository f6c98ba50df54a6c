package validation

import (
	"fmt"
	"strings"
	"unicode"
	"unicode/utf8"
)

// Константы валидации
const (
	MinDisputeReasonLength  = 3
	MaxDisputeReasonLength  = 2000
	MaxResolutionNoteLength = 2000
	MaxWebhookEventIDLength = 200
)

// ValidateLength проверяет длину строки.
func ValidateLength(fieldName, value string, min, max int) error {
	length := utf8.RuneCountInString(value)
	if min > 0 && length < min {
		return fmt.Errorf("%s должен быть не менее %d символов", fieldName, min)
	}
	if max > 0 && length > max {
		return fmt.Errorf("%s должен быть не более %d символов", fieldName, max)
	}
	return nil
}

// ValidateNonEmpty проверяет, что строка не пустая.
func ValidateNonEmpty(fieldName, value string) error {
	if strings.TrimSpace(value) == "" {
		return fmt.Errorf("%s не может быть пустым", fieldName)
	}
	return nil
}

// SanitizeText убирает управляющие символы, кроме переводов строк и табуляции, и обрезает пробелы.
func SanitizeText(value string) string {
	value = strings.Map(func(r rune) rune {
		if r == '\n' || r == '\t' {
			return r
		}
		if unicode.IsControl(r) {
			return -1
		}
		return r
	}, value)
	return strings.TrimSpace(value)
}

// DisputeReason нормализует и проверяет причину спора.
func DisputeReason(reason string) (string, error) {
	reason = SanitizeText(reason)
	if err := ValidateNonEmpty("причина спора", reason); err != nil {
		return "", err
	}
	if err := ValidateLength("причина спора", reason, MinDisputeReasonLength, MaxDisputeReasonLength); err != nil {
		return "", err
	}
	return reason, nil
}

// ResolutionNote нормализует комментарий администратора. Пустой комментарий допустим.
func ResolutionNote(note string) (string, error) {
	note = SanitizeText(note)
	if err := ValidateLength("комментарий", note, 0, MaxResolutionNoteLength); err != nil {
		return "", err
	}
	return note, nil
}

// WebhookEventID проверяет идентификатор события платёжного провайдера.
func WebhookEventID(eventID string) (string, error) {
	eventID = strings.TrimSpace(eventID)
	if err := ValidateNonEmpty("идентификатор события", eventID); err != nil {
		return "", err
	}
	if err := ValidateLength("идентификатор события", eventID, 0, MaxWebhookEventIDLength); err != nil {
		return "", err
	}
	for _, r := range eventID {
		if unicode.IsSpace(r) || unicode.IsControl(r) {
			return "", fmt.Errorf("идентификатор события содержит недопустимые символы")
		}
	}
	return eventID, nil
}
