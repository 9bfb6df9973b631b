package app

import (
	"fmt"
	"sort"
	"strings"
)

// MessageKey names an outbound text or button label.
type MessageKey string

const (
	MsgWelcome          MessageKey = "welcome"
	MsgAskName          MessageKey = "askName"
	MsgAskEmail         MessageKey = "askEmail"
	MsgAskRating        MessageKey = "askRating"
	MsgFormCompleted    MessageKey = "formCompleted"
	MsgInvalidEmail     MessageKey = "invalidEmail"
	MsgInvalidRating    MessageKey = "invalidRating"
	MsgEnterNumber      MessageKey = "enterNumber"
	MsgTimeExpired      MessageKey = "timeExpired"
	MsgUnknownCommand   MessageKey = "unknownCommand"
	MsgReportGenerating MessageKey = "reportGenerating"
	MsgReportError      MessageKey = "reportError"
	MsgError            MessageKey = "error"
	MsgFormError        MessageKey = "formError"
	ButtonFillForm      MessageKey = "buttonFillForm"
	ButtonReport        MessageKey = "buttonReport"
)

// Messages maps every key to its text.
type Messages map[MessageKey]string

// DefaultMessages returns the built-in Russian message set.
func DefaultMessages() Messages {
	return Messages{
		MsgWelcome:          "Добро пожаловать! Используйте кнопки ниже или команды /form и /report.",
		MsgAskName:          "Пожалуйста, введите ваше имя:",
		MsgAskEmail:         "Пожалуйста, введите ваш email:",
		MsgAskRating:        "Пожалуйста, введите оценку (1-10):",
		MsgFormCompleted:    "Форма заполнена! Используйте кнопки ниже для продолжения.",
		MsgInvalidEmail:     "Неверный формат email. Попробуйте еще раз:",
		MsgInvalidRating:    "Оценка должна быть от 1 до 10. Попробуйте еще раз:",
		MsgEnterNumber:      "Пожалуйста, введите число от 1 до 10:",
		MsgTimeExpired:      "Время заполнения вышло, попробуйте еще раз.",
		MsgUnknownCommand:   "Неизвестная команда. Используйте /start, /form или /report.",
		MsgReportGenerating: "Генерация отчета...",
		MsgReportError:      "Ошибка при генерации отчета.",
		MsgError:            "Произошла ошибка. Попробуйте позже.",
		MsgFormError:        "Произошла ошибка при обработке формы.",
		ButtonFillForm:      "📝 Заполнить форму",
		ButtonReport:        "📊 Отчет",
	}
}

// WithOverrides returns a copy of m with the given texts replaced. Unknown
// keys and empty texts are rejected so a typo in configuration fails fast.
func (m Messages) WithOverrides(overrides map[string]string) (Messages, error) {
	out := make(Messages, len(m))
	for k, v := range m {
		out[k] = v
	}
	keys := make([]string, 0, len(overrides))
	for k := range overrides {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	for _, k := range keys {
		key := MessageKey(k)
		if _, ok := m[key]; !ok {
			return nil, fmt.Errorf("unknown message key %q", k)
		}
		text := strings.TrimSpace(overrides[k])
		if text == "" {
			return nil, fmt.Errorf("message %q is empty", k)
		}
		out[key] = text
	}
	if out[ButtonFillForm] == out[ButtonReport] {
		return nil, fmt.Errorf("button labels must differ")
	}
	return out, nil
}

func (m Messages) Text(key MessageKey) string {
	return m[key]
}

// Buttons returns the labels of the persistent keyboard in display order.
func (m Messages) Buttons() []string {
	return []string{m[ButtonFillForm], m[ButtonReport]}
}
