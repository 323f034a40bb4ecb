// Package care maps an illness category to static self-care guidance.
package care

import "github.com/earlysignal/intake/models"

var adviceByCategory = map[models.IllnessCategory]models.CareAdvice{
	models.CategoryAirborne: {
		SelfCareTips: []string{
			"Rest and stay hydrated",
			"Stay home to avoid spreading illness to others",
			"Consider wearing a mask around household members",
			"Monitor your temperature",
		},
		WhenToSeekHelp: "Seek medical care if you develop trouble breathing, chest pain, a fever above 103F, or symptoms that worsen after a week.",
	},
	models.CategoryFoodborne: {
		SelfCareTips: []string{
			"Sip clear fluids frequently to stay hydrated",
			"Ease back into bland foods once vomiting stops",
			"Avoid dairy, caffeine, and fatty foods for a few days",
			"Wash hands thoroughly to protect others",
		},
		WhenToSeekHelp: "Seek medical care if you see blood in stool, cannot keep fluids down for 24 hours, or show signs of dehydration such as dizziness or very dark urine.",
	},
	models.CategoryWaterborne: {
		SelfCareTips: []string{
			"Drink oral rehydration solutions or clear fluids",
			"Rest and avoid preparing food for others",
			"Stop using the suspected water source",
		},
		WhenToSeekHelp: "Seek medical care for persistent diarrhea beyond 3 days, high fever, or signs of dehydration.",
	},
	models.CategoryInsectBorne: {
		SelfCareTips: []string{
			"Rest and stay hydrated",
			"Use acetaminophen rather than aspirin or ibuprofen until a provider rules out dengue",
			"Prevent further bites with repellent and covered clothing",
		},
		WhenToSeekHelp: "Seek medical care promptly for high fever, severe headache, rash, or joint pain after a bite, especially following travel.",
	},
	models.CategoryDirectContact: {
		SelfCareTips: []string{
			"Keep any affected skin clean and covered",
			"Avoid sharing towels, bedding, or personal items",
			"Wash hands frequently",
		},
		WhenToSeekHelp: "Seek medical care if redness spreads, pain increases, or you develop a fever.",
	},
}

var genericAdvice = models.CareAdvice{
	SelfCareTips: []string{
		"Rest and stay hydrated",
		"Monitor your symptoms and note any changes",
		"Avoid close contact with others while unwell",
	},
	WhenToSeekHelp: "Seek medical care if symptoms are severe, rapidly worsening, or last longer than a week.",
}

// Advise returns guidance for an illness category, falling back to
// generic advice for unknown categories.
func Advise(category models.IllnessCategory) models.CareAdvice {
	if advice, ok := adviceByCategory[category]; ok {
		return advice
	}
	return genericAdvice
}
