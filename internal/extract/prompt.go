package extract

import (
	"strings"
)

const promptTemplate = `The following is a LinkedIn profile of an individual who works at {{target}}.

Extract only the fields listed below and return them strictly as one JSON object,
with no Markdown and no commentary:

1. name: full name as it appears on the profile
2. title: current job title at {{target}}
3. department: department or functional area (often absent)
4. email: organization e-mail if available
5. phone: phone number if available
6. profile_url: the public profile URL (usually in the contact info panel)
7. bio: a concise bio of at most five sentences surfacing ice-breaker facts such as
   tenure at the organization or in the sector, previous roles or promotions,
   education and awards, hobbies and interests.

If a field is missing, set it to null. Rely only on the supplied text.

Example:
{"name": "Jolene Bradford", "title": "Deputy Head of Admissions", "department": "Admissions",
 "email": "j.bradford@example.edu", "phone": null,
 "profile_url": "https://www.linkedin.com/in/jolene-bradford/",
 "bio": "Ten years as an educator. MBA from the University of Cumbria (2023)."}

Text to analyse (profile and contact info):

{{text}}`

// BuildPrompt renders the extraction prompt for one profile.
func BuildPrompt(targetName, rawText string) string {
	r := strings.NewReplacer(
		"{{target}}", strings.TrimSpace(targetName),
		"{{text}}", strings.TrimSpace(rawText),
	)
	return r.Replace(promptTemplate)
}
