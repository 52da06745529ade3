package supervisor

import (
	"fmt"
	"regexp"
	"strconv"
	"strings"
)

// DefaultTemplate запускает jar с фиксированными границами кучи.
const DefaultTemplate = "%command% %min_mem% %max_mem% -jar %jar% nogui"

// DefaultCommand - исполняемый файл среды выполнения по умолчанию.
const DefaultCommand = "java"

var (
	tokenPattern = regexp.MustCompile(`%[A-Za-z0-9_]*%`)
	knownTokens  = map[string]struct{}{
		"%command%": {},
		"%jar%":     {},
		"%min_mem%": {},
		"%max_mem%": {},
	}
)

// ValidateTemplate проверяет шаблон команды запуска: он должен ссылаться на
// %jar% и не содержать неизвестных плейсхолдеров.
func ValidateTemplate(tpl string) error {
	if strings.TrimSpace(tpl) == "" {
		return fmt.Errorf("launch template is empty")
	}
	var unknown []string
	for _, tok := range tokenPattern.FindAllString(tpl, -1) {
		if _, ok := knownTokens[tok]; !ok {
			unknown = append(unknown, tok)
		}
	}
	if len(unknown) > 0 {
		return fmt.Errorf("launch template has unknown placeholders: %s", strings.Join(unknown, ", "))
	}
	if !strings.Contains(tpl, "%jar%") {
		return fmt.Errorf("launch template must reference %%jar%%")
	}
	return nil
}

// BuildCommand подставляет параметры запуска в шаблон и возвращает строку
// для /bin/sh -c.
func BuildCommand(spec LaunchSpec) (string, error) {
	tpl := spec.Template
	if tpl == "" {
		tpl = DefaultTemplate
	}
	if err := ValidateTemplate(tpl); err != nil {
		return "", err
	}
	command := spec.Command
	if command == "" {
		command = DefaultCommand
	}

	r := strings.NewReplacer(
		"%command%", command,
		"%jar%", shellQuote(spec.Executable),
		"%min_mem%", memFlag("-Xms", spec.MinMemoryMiB),
		"%max_mem%", memFlag("-Xmx", spec.MaxMemoryMiB),
	)
	return strings.TrimSpace(r.Replace(tpl)), nil
}

func memFlag(prefix string, miB int) string {
	if miB <= 0 {
		return ""
	}
	return prefix + strconv.Itoa(miB) + "m"
}

// shellQuote оборачивает путь в одинарные кавычки, если в нём есть
// специальные символы.
func shellQuote(s string) string {
	if s != "" && strings.IndexFunc(s, func(r rune) bool {
		return !(r == '/' || r == '.' || r == '-' || r == '_' || r == ':' ||
			(r >= 'a' && r <= 'z') || (r >= 'A' && r <= 'Z') || (r >= '0' && r <= '9'))
	}) < 0 {
		return s
	}
	return "'" + strings.ReplaceAll(s, "'", `'\''`) + "'"
}
